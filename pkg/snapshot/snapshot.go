// Package snapshot serializes the full application state (sessions, active
// session pointer, attachments, cache blob) into a versioned document and
// restores it. Import never partially applies: a structurally broken document
// leaves the live state untouched.
package snapshot

import (
	"encoding/base64"
	"encoding/json"
	"time"

	clone "github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/genhat/pkg/chat"
)

// FormatVersion is the version written by Export. Import also accepts the
// previous 1.0 layout, which is a strict subset of 1.1 (no cacheBlob).
const FormatVersion = "1.1"

var acceptedVersions = map[string]bool{
	"1.0": true,
	"1.1": true,
}

var (
	ErrVersionUnsupported = errors.New("unsupported snapshot format version")
	ErrSnapshotCorrupt    = errors.New("snapshot document is corrupt")
)

// EncodedAttachment is the persisted form of an attachment. Data is standard
// base64; transient handles are never written.
type EncodedAttachment struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

// Document is the complete serialized application state.
type Document struct {
	FormatVersion   string              `json:"formatVersion"`
	SavedAt         time.Time           `json:"savedAt"`
	Sessions        []*chat.Session     `json:"sessions"`
	ActiveSessionID string              `json:"activeSessionId,omitempty"`
	Attachments     []EncodedAttachment `json:"attachments,omitempty"`
	CacheBlob       json.RawMessage     `json:"cacheBlob,omitempty"`
}

// ImportResult is the fully validated state produced by Import. Nothing in it
// aliases the source document. Apply moves it into the live registry and
// attachment store in one step.
type ImportResult struct {
	Sessions        []*chat.Session
	ActiveSessionID string
	Attachments     []*Attachment
	CacheBlob       json.RawMessage

	// NeedsRecompute signals that the cache blob was absent or unusable and
	// whatever derives from it must be rebuilt. The import itself succeeded.
	NeedsRecompute bool

	// SkippedAttachments lists attachments whose payload could not be
	// decoded. They are dropped, not fatal.
	SkippedAttachments []string
}

// Apply installs the imported state into the registry and attachment store.
func (r *ImportResult) Apply(registry *chat.Registry, store *Store) {
	registry.Restore(r.Sessions, r.ActiveSessionID)
	if store != nil {
		store.Restore(r.Attachments)
	}
}

// Export captures the current state as a self-contained document. The session
// tree is deep-cloned so the document stays stable while streaming continues.
func Export(registry *chat.Registry, store *Store, cacheBlob json.RawMessage) *Document {
	// one consistent capture: the active id always belongs to the session set
	liveSessions, activeID := registry.State()
	sessions := clone.Clone(liveSessions).([]*chat.Session)

	doc := &Document{
		FormatVersion:   FormatVersion,
		SavedAt:         time.Now().UTC(),
		Sessions:        sessions,
		ActiveSessionID: activeID,
	}

	if store != nil {
		for _, a := range store.List() {
			doc.Attachments = append(doc.Attachments, EncodedAttachment{
				Name: a.Name,
				Data: base64.StdEncoding.EncodeToString(a.Bytes),
			})
		}
	}

	if len(cacheBlob) > 0 {
		doc.CacheBlob = append(json.RawMessage(nil), cacheBlob...)
	}

	log.Debug().
		Int("session_count", len(doc.Sessions)).
		Int("attachment_count", len(doc.Attachments)).
		Bool("has_cache_blob", doc.CacheBlob != nil).
		Msg("exported snapshot")
	return doc
}

// Import validates a document and materializes the state it describes. A
// version mismatch returns ErrVersionUnsupported; structural damage (duplicate
// session ids, dangling active pointer, unknown roles or modes) returns
// ErrSnapshotCorrupt. Both leave the caller's live state untouched because no
// mutation happens here. Undecodable attachments and a missing cache blob are
// degraded successes, reported via SkippedAttachments and NeedsRecompute.
func Import(doc *Document) (*ImportResult, error) {
	if doc == nil {
		return nil, errors.Wrap(ErrSnapshotCorrupt, "nil document")
	}
	if !acceptedVersions[doc.FormatVersion] {
		return nil, errors.Wrapf(ErrVersionUnsupported, "version %q", doc.FormatVersion)
	}

	if err := validateStructure(doc); err != nil {
		return nil, err
	}

	ret := &ImportResult{
		Sessions:        clone.Clone(doc.Sessions).([]*chat.Session),
		ActiveSessionID: doc.ActiveSessionID,
	}
	for _, s := range ret.Sessions {
		if s.Messages == nil {
			s.Messages = []*chat.Message{}
		}
		// streams do not survive a restore
		s.AwaitingResponse = false
	}

	for _, enc := range doc.Attachments {
		data, err := base64.StdEncoding.DecodeString(enc.Data)
		if err != nil {
			log.Warn().Str("attachment", enc.Name).Err(err).Msg("skipping undecodable attachment")
			ret.SkippedAttachments = append(ret.SkippedAttachments, enc.Name)
			continue
		}
		ret.Attachments = append(ret.Attachments, &Attachment{Name: enc.Name, Bytes: data})
	}

	switch {
	case len(doc.CacheBlob) == 0:
		ret.NeedsRecompute = true
	case !json.Valid(doc.CacheBlob):
		log.Warn().Msg("cache blob is not valid JSON, flagging recompute")
		ret.NeedsRecompute = true
	default:
		ret.CacheBlob = append(json.RawMessage(nil), doc.CacheBlob...)
	}

	log.Debug().
		Int("session_count", len(ret.Sessions)).
		Int("attachment_count", len(ret.Attachments)).
		Int("skipped_attachments", len(ret.SkippedAttachments)).
		Bool("needs_recompute", ret.NeedsRecompute).
		Msg("imported snapshot")
	return ret, nil
}

func validateStructure(doc *Document) error {
	if len(doc.Sessions) == 0 {
		return errors.Wrap(ErrSnapshotCorrupt, "no sessions")
	}

	seen := make(map[string]bool, len(doc.Sessions))
	for i, s := range doc.Sessions {
		if s == nil {
			return errors.Wrapf(ErrSnapshotCorrupt, "session %d is null", i)
		}
		if s.ID == "" {
			return errors.Wrapf(ErrSnapshotCorrupt, "session %d has no id", i)
		}
		if seen[s.ID] {
			return errors.Wrapf(ErrSnapshotCorrupt, "duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
		if !s.Mode.Valid() {
			return errors.Wrapf(ErrSnapshotCorrupt, "session %q has unknown mode %q", s.ID, s.Mode)
		}
		for j, m := range s.Messages {
			if m == nil {
				return errors.Wrapf(ErrSnapshotCorrupt, "session %q message %d is null", s.ID, j)
			}
			switch m.Role {
			case chat.RoleUser, chat.RoleAssistant, chat.RoleSystem:
			default:
				return errors.Wrapf(ErrSnapshotCorrupt, "session %q message %d has unknown role %q", s.ID, j, m.Role)
			}
		}
	}

	if doc.ActiveSessionID != "" && !seen[doc.ActiveSessionID] {
		return errors.Wrapf(ErrSnapshotCorrupt, "active session %q not present", doc.ActiveSessionID)
	}
	return nil
}
