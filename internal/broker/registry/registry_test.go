package registry

import "testing"

func TestDiscoverTools_ReturnsExactlyOneTool(t *testing.T) {
	tools, err := DiscoverTools()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].Name != ToolName {
		t.Fatalf("name = %q, want %q", tools[0].Name, ToolName)
	}
	if tools[0].InputSchema == nil {
		t.Fatal("input_schema must not be nil")
	}
}
