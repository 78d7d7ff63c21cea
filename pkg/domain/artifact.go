package domain

// ArtifactKind classifies the files tracked by a pipeline
type ArtifactKind string

const (
	ArtifactKindReference ArtifactKind = "reference"
	ArtifactKindReads     ArtifactKind = "reads"
	ArtifactKindIndex     ArtifactKind = "index"
	ArtifactKindAlignment ArtifactKind = "alignment"
)

// Artifact is a named file (or directory of files) tracked by a pipeline.
//
// Pipeline inputs have an empty Producer. Files lists the member files of
// a directory artifact once it has been published.
type Artifact struct {
	Name     string       `json:"name"`
	Path     string       `json:"path"`
	Kind     ArtifactKind `json:"kind"`
	Dir      bool         `json:"dir,omitempty"`
	Files    []string     `json:"files,omitempty"`
	Producer string       `json:"producer,omitempty"`
}

// Clone returns a copy that shares no slices with a
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	if a.Files != nil {
		c.Files = append([]string(nil), a.Files...)
	}
	return &c
}
