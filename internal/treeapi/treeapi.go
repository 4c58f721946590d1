// Package treeapi talks to the remote repository API: it resolves a branch
// to its head commit and lists the recursive blob tree at that commit.
package treeapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/internal/upstream"
)

// Entry is one node of a recursive tree listing.
type Entry struct {
	Path string `json:"path"`
	Type string `json:"type"` // blob, tree or commit
	Size int64  `json:"size"`
	SHA  string `json:"sha"`
}

// IsBlob reports whether the entry is a file.
func (e Entry) IsBlob() bool {
	return e.Type == "blob"
}

type branchResponse struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type treeResponse struct {
	SHA       string  `json:"sha"`
	Tree      []Entry `json:"tree"`
	Truncated bool    `json:"truncated"`
}

// Client is a read-only client for one repository.
type Client struct {
	http    *upstream.Client
	baseURL string
	repo    string
}

// New creates a client for repo ("owner/name") rooted at the API base URL.
func New(httpClient *upstream.Client, baseURL, repo string) *Client {
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(baseURL, "/"),
		repo:    strings.Trim(repo, "/"),
	}
}

// Repo returns the repository the client reads.
func (c *Client) Repo() string {
	return c.repo
}

// HeadCommit resolves a branch name to its head commit id.
func (c *Client) HeadCommit(ctx context.Context, branch string) (string, error) {
	u := fmt.Sprintf("%s/repos/%s/branches/%s", c.baseURL, c.repo, url.PathEscape(branch))
	var resp branchResponse
	if err := c.http.GetJSON(ctx, u, &resp); err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	if resp.Commit.SHA == "" {
		return "", fmt.Errorf("resolve branch %s: empty commit id", branch)
	}
	return resp.Commit.SHA, nil
}

// Tree lists every entry under a commit id, recursively.
func (c *Client) Tree(ctx context.Context, sha string) ([]Entry, error) {
	u := fmt.Sprintf("%s/repos/%s/git/trees/%s?recursive=1", c.baseURL, c.repo, url.PathEscape(sha))
	var resp treeResponse
	if err := c.http.GetJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("list tree %s: %w", sha, err)
	}
	if resp.Truncated {
		logging.WithContext(ctx).Warn("tree listing truncated by upstream",
			logging.String("repo", c.repo),
			logging.String("sha", sha),
			logging.Int("entries", len(resp.Tree)),
		)
	}
	return resp.Tree, nil
}

// Blobs resolves branch and returns only the file entries of its tree.
func (c *Client) Blobs(ctx context.Context, branch string) ([]Entry, error) {
	sha, err := c.HeadCommit(ctx, branch)
	if err != nil {
		return nil, err
	}
	entries, err := c.Tree(ctx, sha)
	if err != nil {
		return nil, err
	}
	blobs := entries[:0]
	for _, e := range entries {
		if e.IsBlob() {
			blobs = append(blobs, e)
		}
	}
	return blobs, nil
}
