package packs

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) Node {
	t.Helper()
	node, err := ParseTree(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("ParseTree failed: %v", err)
	}
	return node
}

func TestParseTreeValid(t *testing.T) {
	raw := `{
		"type": "folder", "name": "Pack",
		"children": [
			{"type": "level", "name": "LevelA", "levelId": 101},
			{"type": "folder", "name": "Extras", "children": [
				{"type": "level", "name": "LevelB", "ref": "levels/b.zip"}
			]}
		]
	}`
	node := mustParse(t, raw)

	folder, ok := node.(*Folder)
	if !ok {
		t.Fatalf("expected root folder, got %T", node)
	}
	if folder.Name != "Pack" {
		t.Errorf("expected name Pack, got %s", folder.Name)
	}
	if len(folder.Children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(folder.Children))
	}

	leaf, ok := folder.Children[0].(*Leaf)
	if !ok {
		t.Fatalf("expected first child to be a leaf, got %T", folder.Children[0])
	}
	if leaf.LevelID != 101 {
		t.Errorf("expected levelId 101, got %d", leaf.LevelID)
	}

	if got := CountLeaves(node); got != 2 {
		t.Errorf("expected 2 leaves, got %d", got)
	}
}

func TestParseTreeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown type", `{"type": "blob", "name": "x"}`},
		{"empty name", `{"type": "level", "name": "", "levelId": 1}`},
		{"path in name", `{"type": "level", "name": "../etc", "levelId": 1}`},
		{"slash in name", `{"type": "folder", "name": "a/b", "children": [{"type":"level","name":"x","levelId":1}]}`},
		{"empty folder", `{"type": "folder", "name": "Pack", "children": []}`},
		{"leaf without source", `{"type": "level", "name": "x"}`},
		{"not an object", `[1,2,3]`},
		{"bad child", `{"type": "folder", "name": "Pack", "children": [{"type":"level","name":"x"}]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTree(json.RawMessage(tc.raw))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var valErr *ValidationError
			if !errors.As(err, &valErr) {
				t.Fatalf("expected ValidationError, got %T: %v", err, err)
			}
		})
	}
}

func TestParseTreeDepthLimit(t *testing.T) {
	// Build a chain deeper than maxTreeDepth.
	inner := `{"type":"level","name":"deep","levelId":1}`
	for i := 0; i <= maxTreeDepth; i++ {
		inner = `{"type":"folder","name":"d","children":[` + inner + `]}`
	}
	if _, err := ParseTree(json.RawMessage(inner)); err == nil {
		t.Fatal("expected depth limit error")
	}
}

func TestDeriveCacheKeyDeterministic(t *testing.T) {
	a := mustParse(t, `{"type":"folder","name":"Pack","children":[{"type":"level","name":"A","levelId":1}]}`)
	b := mustParse(t, `{"type":"folder","name":"Pack","children":[{"type":"level","name":"A","levelId":1}]}`)

	if DeriveCacheKey("p.zip", a) != DeriveCacheKey("p.zip", b) {
		t.Error("identical requests must derive the same cache key")
	}
	if DeriveCacheKey("p.zip", a) == DeriveCacheKey("q.zip", a) {
		t.Error("different zip names must derive different cache keys")
	}

	c := mustParse(t, `{"type":"folder","name":"Pack","children":[{"type":"level","name":"A","levelId":2}]}`)
	if DeriveCacheKey("p.zip", a) == DeriveCacheKey("p.zip", c) {
		t.Error("different trees must derive different cache keys")
	}
}

func TestCheckZipName(t *testing.T) {
	if err := CheckZipName("My Pack.zip"); err != nil {
		t.Errorf("valid zip name rejected: %v", err)
	}
	if err := CheckZipName(""); err == nil {
		t.Error("empty zip name accepted")
	}
	if err := CheckZipName("../escape.zip"); err == nil {
		t.Error("path traversal zip name accepted")
	}
	if err := CheckZipName(strings.Repeat("x", 300) + ".zip"); err == nil {
		t.Error("oversized zip name accepted")
	}
}
