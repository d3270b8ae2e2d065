// Package packs implements on-demand ZIP pack generation: size
// estimation, budgeted admission, tree materialization, progress
// reporting, and the completion cache.
package packs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"strings"
)

const (
	// maxTreeDepth bounds folder nesting in a pack request.
	maxTreeDepth = 16
	// maxTreeLeaves bounds the number of levels in one pack.
	maxTreeLeaves = 500
)

// Node is one node of a pack request tree: either a Folder or a Leaf.
type Node interface {
	// NodeName returns the display name used as the on-disk folder name.
	NodeName() string

	writeCanonical(h hash.Hash)
}

// Folder groups child nodes under a named directory. Children keep the
// order they were submitted in.
type Folder struct {
	Name     string
	Children []Node
}

// NodeName returns the folder name.
func (f *Folder) NodeName() string { return f.Name }

// Leaf is one individually downloadable level archive.
type Leaf struct {
	Name string
	// Ref is an explicit storage key or external URL. When empty the
	// archive is resolved through the level metadata store by LevelID.
	Ref     string
	LevelID int
}

// NodeName returns the leaf name.
func (l *Leaf) NodeName() string { return l.Name }

// PackRequest is a validated request to build one pack.
type PackRequest struct {
	ZipName  string
	Tree     Node
	CacheKey string
	// DownloadID is the caller-chosen job identifier; generated when
	// absent.
	DownloadID string
}

// ValidationError reports a malformed pack request.
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "invalid pack request: " + e.Reason
	}
	return fmt.Sprintf("invalid pack request at %s: %s", e.Path, e.Reason)
}

// wireNode is the JSON shape of a tree node.
type wireNode struct {
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Children []json.RawMessage `json:"children"`
	Ref      string            `json:"ref,omitempty"`
	LevelID  int               `json:"levelId,omitempty"`
}

// ParseTree validates and decodes a whole request tree before any I/O is
// attempted. Malformed input is rejected eagerly with a ValidationError
// naming the offending node.
func ParseTree(raw json.RawMessage) (Node, error) {
	counter := 0
	return parseNode(raw, "", 0, &counter)
}

func parseNode(raw json.RawMessage, path string, depth int, leafCount *int) (Node, error) {
	if depth > maxTreeDepth {
		return nil, &ValidationError{Path: path, Reason: "tree too deep"}
	}

	var w wireNode
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ValidationError{Path: path, Reason: "not an object: " + err.Error()}
	}

	if err := checkName(w.Name); err != nil {
		return nil, &ValidationError{Path: path, Reason: err.Error()}
	}
	nodePath := path + "/" + w.Name

	switch w.Type {
	case "folder":
		if len(w.Children) == 0 {
			return nil, &ValidationError{Path: nodePath, Reason: "folder has no children"}
		}
		folder := &Folder{Name: w.Name, Children: make([]Node, 0, len(w.Children))}
		for i, childRaw := range w.Children {
			child, err := parseNode(childRaw, nodePath+"["+strconv.Itoa(i)+"]", depth+1, leafCount)
			if err != nil {
				return nil, err
			}
			folder.Children = append(folder.Children, child)
		}
		return folder, nil

	case "level":
		*leafCount++
		if *leafCount > maxTreeLeaves {
			return nil, &ValidationError{Path: nodePath, Reason: "too many levels in pack"}
		}
		if w.Ref == "" && w.LevelID <= 0 {
			return nil, &ValidationError{Path: nodePath, Reason: "level needs a ref or a levelId"}
		}
		return &Leaf{Name: w.Name, Ref: w.Ref, LevelID: w.LevelID}, nil

	default:
		return nil, &ValidationError{Path: nodePath, Reason: "unknown node type " + strconv.Quote(w.Type)}
	}
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("node name is empty")
	}
	if len(name) > 200 {
		return fmt.Errorf("node name too long")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("node name %q contains path elements", name)
	}
	return nil
}

// CheckZipName validates the requested archive file name.
func CheckZipName(zipName string) error {
	if zipName == "" {
		return &ValidationError{Reason: "zipName is required"}
	}
	if err := checkName(strings.TrimSuffix(zipName, ".zip")); err != nil {
		return &ValidationError{Reason: "zipName: " + err.Error()}
	}
	return nil
}

// DeriveCacheKey hashes the canonical form of {zipName, tree} so that
// logically identical requests map to the same key regardless of JSON
// field ordering.
func DeriveCacheKey(zipName string, tree Node) string {
	h := sha256.New()
	fmt.Fprintf(h, "zip:%s|", zipName)
	tree.writeCanonical(h)
	return hex.EncodeToString(h.Sum(nil))
}

func (f *Folder) writeCanonical(h hash.Hash) {
	fmt.Fprintf(h, "d(%s", f.Name)
	for _, child := range f.Children {
		h.Write([]byte{'|'})
		child.writeCanonical(h)
	}
	h.Write([]byte{')'})
}

func (l *Leaf) writeCanonical(h hash.Hash) {
	fmt.Fprintf(h, "f(%s|%s|%d)", l.Name, l.Ref, l.LevelID)
}

// CountLeaves returns the number of leaves in the tree.
func CountLeaves(n Node) int {
	switch node := n.(type) {
	case *Folder:
		total := 0
		for _, child := range node.Children {
			total += CountLeaves(child)
		}
		return total
	case *Leaf:
		return 1
	default:
		return 0
	}
}
