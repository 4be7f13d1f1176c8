package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"sheetcollab/backend/internal/editor"
	"sheetcollab/backend/internal/sheet"
)

var errUsage = errors.New("unknown command (try: help)")

const help = `click R C | dbl R C | type TEXT | set TEXT | bs | enter | tab | blur | esc
retry R C | reload | show | help | quit`

func parseCoord(args []string) (sheet.Coord, error) {
	if len(args) != 2 {
		return sheet.Coord{}, errors.New("expected ROW COL")
	}
	r, err := strconv.Atoi(args[0])
	if err != nil {
		return sheet.Coord{}, errors.Wrap(err, "row")
	}
	c, err := strconv.Atoi(args[1])
	if err != nil {
		return sheet.Coord{}, errors.Wrap(err, "col")
	}
	return sheet.Coord{Row: r, Col: c}, nil
}

// execute 执行一行命令；show 以外的命令执行完都打印一次状态行
func execute(ctx context.Context, e *editor.Editor, line string, out io.Writer) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		fmt.Fprintln(out, help)
		return false, nil
	case "show":
		render(out, e)
		return false, nil
	case "click", "dbl", "retry":
		at, err := parseCoord(args)
		if err != nil {
			return false, err
		}
		switch cmd {
		case "click":
			e.Click(at)
		case "dbl":
			e.DoubleClick(at)
		default:
			if err := e.Retry(ctx, at); err != nil {
				return false, err
			}
		}
	case "type":
		e.Type(rest)
	case "set":
		e.SetDraft(rest)
	case "bs":
		e.Backspace()
	case "enter":
		e.Enter()
	case "tab":
		e.Tab()
	case "blur":
		e.Blur()
	case "esc":
		e.Escape()
	case "reload":
		if err := e.Reload(ctx); err != nil {
			return false, err
		}
	default:
		return false, errUsage
	}
	fmt.Fprintln(out, e.State())
	return false, nil
}

func render(out io.Writer, e *editor.Editor) {
	meta := e.Meta()
	fmt.Fprintf(out, "%s (%s) %dx%d v%d perm=%s live=%t\n",
		meta.Title, meta.ID, meta.Rows, meta.Cols, meta.Version, meta.MyPermission, e.Live())
	fmt.Fprintln(out, "state:", e.State())

	cells := e.Cells()
	keys := make([]sheet.Coord, 0, len(cells))
	for c, v := range cells {
		if v.Value != "" {
			keys = append(keys, c)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Row != keys[j].Row {
			return keys[i].Row < keys[j].Row
		}
		return keys[i].Col < keys[j].Col
	})
	for _, c := range keys {
		mark := ""
		if e.IsUnsaved(c) {
			mark = " (unsaved)"
		}
		fmt.Fprintf(out, "  %s = %q%s\n", c, cells[c].Value, mark)
	}

	var users []string
	for _, u := range e.Roster() {
		users = append(users, u.Email+" "+u.Color)
	}
	fmt.Fprintln(out, "online:", strings.Join(users, ", "))
}
