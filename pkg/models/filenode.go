// Package models contains shared data types used by the server, the CLI
// and the Go client.
package models

// FileNode represents a file or directory in a bundle's member tree.
type FileNode struct {
	Name        string      `json:"name"`
	Path        string      `json:"path"`
	Size        int64       `json:"size,omitempty"`
	IsDir       bool        `json:"is_dir"`
	Kind        string      `json:"kind,omitempty"`
	ContentType string      `json:"content_type,omitempty"`
	Entry       bool        `json:"entry,omitempty"`
	Children    []*FileNode `json:"children,omitempty"`
}
