package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"

	"sheetcollab/backend/config"
	"sheetcollab/backend/internal/channel"
	"sheetcollab/backend/internal/editor"
	"sheetcollab/backend/internal/httpapi/middleware"
	"sheetcollab/backend/internal/persist"
)

func main() {
	configFile := flag.String("config", "", "path to sheetAgent.yaml")
	sheetID := flag.String("sheet", "", "sheet id to open")
	mint := flag.String("mint", "", "print a dev token for this email and exit")
	secret := flag.String("secret", "dev-secret", "signing secret used with -mint")
	flag.Parse()
	defer glog.Flush()

	if *mint != "" {
		tok, err := middleware.SignToken(*secret, *mint, 24*time.Hour)
		if err != nil {
			glog.Fatalf("mint token failed: %v", err)
		}
		fmt.Println(tok)
		return
	}

	cfg, err := config.LoadAgent(*configFile)
	if err != nil {
		glog.Fatalf("init config failed: %v", err)
	}
	if *sheetID == "" {
		fmt.Fprintln(os.Stderr, "usage: sheet_agent -sheet <id> [-config file]")
		os.Exit(2)
	}

	client := persist.New(persist.Options{
		BaseURL:  cfg.Server.BaseURL,
		Token:    cfg.Server.Token,
		Timeout:  cfg.Persist.Timeout,
		RetryMax: cfg.Persist.RetryMax,
	})

	settings := channel.DefaultSettings()
	settings.PingInterval = cfg.Channel.PingInterval
	settings.InitialBackoff = cfg.Channel.InitialBackoff
	settings.MaxBackoff = cfg.Channel.MaxBackoff
	settings.MaxReconnects = cfg.Channel.MaxReconnects

	opts := editor.DefaultOptions()
	opts.AdvanceIntoEdit = cfg.Editor.AdvanceIntoEdit
	opts.PersistTimeout = cfg.Persist.Timeout

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Persist.Timeout)
	e, err := editor.Open(ctx, editor.Deps{
		Persist: client,
		Dial:    editor.ChannelDialer(cfg.WebSocketBase(), cfg.Server.Token, settings),
	}, *sheetID, opts)
	cancel()
	if err != nil {
		glog.Fatalf("open sheet failed: %v", err)
	}
	defer func() {
		e.Close()
		e.Wait()
	}()

	render(os.Stdout, e)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		quit, err := execute(context.Background(), e, scanner.Text(), os.Stdout)
		if err != nil {
			fmt.Println("error:", err)
		}
		if quit {
			return
		}
	}
}
