package dataset

import (
	"github.com/vdeturckheim/hf-dataset/pkg/config"
)

// Handle identifies one revision of a remote dataset. It is a value type
// and never changes after construction.
type Handle struct {
	// Name is the repository id, usually "org/name"
	Name string
	// Revision is a branch, tag or commit; defaults to "main"
	Revision string
	// Credential is an access token, possibly empty
	Credential string
}

// NewHandle builds a Handle. An empty revision selects the default branch
// and an empty credential falls back to HF_TOKEN, then
// HUGGING_FACE_HUB_TOKEN.
func NewHandle(name, revision, credential string) Handle {
	if revision == "" {
		revision = config.DefaultRevision
	}
	return Handle{
		Name:       name,
		Revision:   revision,
		Credential: config.ResolveCredential(credential),
	}
}

// String returns name@revision. The credential is never included.
func (h Handle) String() string {
	return h.Name + "@" + h.Revision
}
