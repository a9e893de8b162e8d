package engine

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/veritylabs/verity/kit"
)

// RegisterMCP registers the engine's tools on an MCP server.
func (e *Engine) RegisterMCP(srv *mcp.Server) {
	e.registerIngest(srv)
	e.registerGetSnapshot(srv)
	e.registerProvenance(srv)
	e.registerListObservations(srv)
	e.registerAddContainment(srv)
	e.registerValidateGraph(srv)
	e.registerCheckHealth(srv)
	e.registerTombstone(srv)
	e.registerRestore(srv)
	e.registerStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (e *Engine) registerIngest(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "verity_ingest",
		Description: "Record extracted field observations about one entity and rematerialize its snapshot",
		InputSchema: inputSchema(map[string]any{
			"entity_type":  map[string]any{"type": "string", "description": "Entity type, e.g. person"},
			"identity_key": map[string]any{"type": "string", "description": "Natural identity of the entity"},
			"source_id":    map[string]any{"type": "string", "description": "Source document ID"},
			"run_id":       map[string]any{"type": "string", "description": "Extraction run ID"},
			"priority":     map[string]any{"type": "integer", "description": "Observation priority; defaults to extraction level"},
			"fields":       map[string]any{"type": "object", "description": "Field name to value map"},
			"event_type":   map[string]any{"type": "string", "description": "Optional timeline event to derive"},
		}, []string{"entity_type", "identity_key", "source_id", "fields"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		return e.Ingest(ctx, *r.(*IngestRequest))
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p IngestRequest
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type entityReq struct {
	EntityID string `json:"entity_id"`
}

func decodeEntityReq(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p entityReq
	if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}

var entityIDSchema = inputSchema(map[string]any{
	"entity_id": map[string]any{"type": "string", "description": "Entity ID"},
}, []string{"entity_id"})

func (e *Engine) registerGetSnapshot(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "verity_get_snapshot",
		Description: "Return the materialized snapshot of an entity with per-field provenance",
		InputSchema: entityIDSchema,
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return e.GetSnapshot(ctx, r.(*entityReq).EntityID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeEntityReq)
}

func (e *Engine) registerProvenance(srv *mcp.Server) {
	type req struct {
		EntityID string `json:"entity_id"`
		Field    string `json:"field"`
	}
	tool := &mcp.Tool{
		Name:        "verity_provenance",
		Description: "Explain why a field holds its current value: winning observation plus full history",
		InputSchema: inputSchema(map[string]any{
			"entity_id": map[string]any{"type": "string", "description": "Entity ID"},
			"field":     map[string]any{"type": "string", "description": "Field name"},
		}, []string{"entity_id", "field"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return e.Provenance(ctx, p.EntityID, p.Field)
	}
	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerListObservations(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "verity_list_observations",
		Description: "Return the full observation ledger for an entity in deterministic order",
		InputSchema: entityIDSchema,
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return e.ListObservations(ctx, r.(*entityReq).EntityID)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeEntityReq)
}

func (e *Engine) registerAddContainment(srv *mcp.Server) {
	type req struct {
		From string `json:"from"`
		To   string `json:"to"`
		Type string `json:"type"`
	}
	tool := &mcp.Tool{
		Name:        "verity_add_containment",
		Description: "Link two entities with a PART_OF or MEMBER_OF edge; cycles are refused",
		InputSchema: inputSchema(map[string]any{
			"from": map[string]any{"type": "string", "description": "Containing entity ID"},
			"to":   map[string]any{"type": "string", "description": "Contained entity ID"},
			"type": map[string]any{"type": "string", "description": "Edge type: PART_OF or MEMBER_OF"},
		}, []string{"from", "to", "type"}),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := e.AddContainment(ctx, p.From, p.To, p.Type); err != nil {
			return nil, err
		}
		return map[string]string{"status": "linked"}, nil
	}
	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerValidateGraph(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "verity_validate_graph",
		Description: "Run the read-only graph integrity audit: cycles and orphans",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return e.ValidateGraph(ctx)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeEmpty)
}

func (e *Engine) registerCheckHealth(srv *mcp.Server) {
	type req struct {
		AutoFix bool `json:"auto_fix"`
	}
	tool := &mcp.Tool{
		Name:        "verity_check_health",
		Description: "Sweep snapshot health against the ledger, optionally healing stale snapshots",
		InputSchema: inputSchema(map[string]any{
			"auto_fix": map[string]any{"type": "boolean", "description": "Heal stale snapshots inline"},
		}, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return e.CheckHealth(ctx, r.(*req).AutoFix)
	}
	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if len(r.Params.Arguments) > 0 {
			if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (e *Engine) registerTombstone(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "verity_tombstone",
		Description: "Retire an entity while keeping its ledger and provenance intact",
		InputSchema: entityIDSchema,
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		if err := e.Tombstone(ctx, r.(*entityReq).EntityID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "tombstoned"}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeEntityReq)
}

func (e *Engine) registerRestore(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "verity_restore",
		Description: "Reverse a tombstone on an entity",
		InputSchema: entityIDSchema,
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		if err := e.Restore(ctx, r.(*entityReq).EntityID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "restored"}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeEntityReq)
}

func (e *Engine) registerStats(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "verity_stats",
		Description: "Return table population counts",
		InputSchema: inputSchema(map[string]any{}, nil),
	}
	endpoint := func(ctx context.Context, r any) (any, error) {
		return e.Stats(ctx)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, decodeEmpty)
}

func decodeEmpty(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{Request: &struct{}{}}, nil
}
