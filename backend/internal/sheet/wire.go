package sheet

// HTTP 接口的请求 / 响应体，客户端和服务端共用

// UpdateCellRequest PUT /v1/sheets/:id/cells
type UpdateCellRequest struct {
	Row       int       `json:"row"`
	Col       int       `json:"col"`
	Value     string    `json:"value"`
	ValueType ValueType `json:"value_type"`
	Style     CellStyle `json:"style"`
}

func (r UpdateCellRequest) Coord() Coord { return Coord{Row: r.Row, Col: r.Col} }

func (r UpdateCellRequest) Content() CellContent {
	vt := r.ValueType
	if vt == "" {
		vt = ValueText
	}
	return CellContent{Value: r.Value, ValueType: vt, Style: r.Style}
}

type UpdateCellResponse struct {
	Version int64 `json:"version"`
}

// LoadResponse GET /v1/sheets/:id，cells 以 "row_col" 为 key
type LoadResponse struct {
	Meta
	Cells       map[string]CellContent `json:"cells"`
	Permissions []Grant                `json:"permissions"`
}

func NewLoadResponse(s *Snapshot) LoadResponse {
	cells := make(map[string]CellContent, len(s.Cells))
	for c, v := range s.Cells {
		cells[c.Key()] = v
	}
	perms := s.Permissions
	if perms == nil {
		perms = []Grant{}
	}
	return LoadResponse{Meta: s.Meta, Cells: cells, Permissions: perms}
}

// Snapshot 解析失败的 key 直接报错，不做部分加载
func (r LoadResponse) Snapshot() (*Snapshot, error) {
	cells := make(map[Coord]CellContent, len(r.Cells))
	for k, v := range r.Cells {
		c, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		cells[c] = v
	}
	return &Snapshot{Meta: r.Meta, Cells: cells, Permissions: r.Permissions}, nil
}
