package models

// SourceSnippet is code or history pulled from the project's repository by a source_fetch tool.
type SourceSnippet struct {
	Kind    string `json:"kind"`
	Path    string `json:"path"`
	Ref     string `json:"ref,omitempty"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content"`
}
