package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/genhat/pkg/chat"
)

func populatedState(t *testing.T) (*chat.Registry, *Store) {
	t.Helper()

	r := chat.NewRegistry()
	a := r.CreateSession(chat.ModeConversation)
	require.NoError(t, r.AppendMessages(a.ID,
		chat.NewMessage(chat.RoleUser, "hello"),
		chat.NewMessage(chat.RoleAssistant, "hi there"),
	))
	b := r.CreateSession(chat.ModeDiagramGeneration)
	require.NoError(t, r.AppendMessages(b.ID,
		chat.NewMessage(chat.RoleUser, "draw a tree",
			chat.WithAuxiliary(json.RawMessage(`{"tree":{"label":"root"}}`))),
	))
	require.NoError(t, r.SwitchActive(a.ID))

	store := NewStore()
	_, err := store.Add("photo.png", []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff})
	require.NoError(t, err)
	_, err = store.Add("notes.txt", []byte("plain text"))
	require.NoError(t, err)

	return r, store
}

func TestExportImportRoundTrip(t *testing.T) {
	r, store := populatedState(t)
	cache := json.RawMessage(`{"renderedDiagrams":3}`)

	doc := Export(r, store, cache)
	require.Equal(t, FormatVersion, doc.FormatVersion)

	res, err := Import(doc)
	require.NoError(t, err)
	require.False(t, res.NeedsRecompute)
	require.Empty(t, res.SkippedAttachments)
	require.JSONEq(t, string(cache), string(res.CacheBlob))

	r2 := chat.NewRegistry()
	store2 := NewStore()
	res.Apply(r2, store2)

	require.Equal(t, r.ActiveID(), r2.ActiveID())
	require.Equal(t, r.Len(), r2.Len())

	want := r.Sessions()
	got := r2.Sessions()
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Name, got[i].Name)
		assert.Equal(t, want[i].Mode, got[i].Mode)
		require.Len(t, got[i].Messages, len(want[i].Messages))
		for j := range want[i].Messages {
			assert.Equal(t, want[i].Messages[j].ID, got[i].Messages[j].ID)
			assert.Equal(t, want[i].Messages[j].Text, got[i].Messages[j].Text)
		}
	}
}

func TestAttachmentsSurviveByteIdentical(t *testing.T) {
	r, store := populatedState(t)

	res, err := Import(Export(r, store, nil))
	require.NoError(t, err)

	store2 := NewStore()
	res.Apply(chat.NewRegistry(), store2)

	photo, ok := store2.Get("photo.png")
	require.True(t, ok)
	require.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}, photo.Bytes)
	// handles are transient and rebuilt on restore
	orig, _ := store.Get("photo.png")
	require.NotEqual(t, orig.Handle(), photo.Handle())
}

func TestExportIsDetachedFromLiveState(t *testing.T) {
	r, store := populatedState(t)
	doc := Export(r, store, nil)

	active, _ := r.ActiveSession()
	require.NoError(t, r.AppendDelta(active.ID, active.Messages[1].ID, " -- appended later"))

	require.Equal(t, "hi there", doc.Sessions[0].Messages[1].Text)
}

func TestExportStaysImportableDuringSessionChurn(t *testing.T) {
	r, store := populatedState(t)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				s := r.CreateSession(chat.ModeConversation)
				_ = r.CloseSession(s.ID)
			}
		}
	}()

	// an export taken mid-churn must never produce a document whose active
	// session is missing from the session set
	for i := 0; i < 50; i++ {
		doc := Export(r, store, nil)
		_, err := Import(doc)
		require.NoError(t, err)
	}

	close(stop)
	<-done
}

func TestImportRejectsUnsupportedVersion(t *testing.T) {
	r, store := populatedState(t)
	doc := Export(r, store, nil)
	doc.FormatVersion = "2.0"

	_, err := Import(doc)
	require.ErrorIs(t, err, ErrVersionUnsupported)
}

func TestImportAcceptsLegacyVersion(t *testing.T) {
	r, store := populatedState(t)
	doc := Export(r, store, nil)
	doc.FormatVersion = "1.0"
	doc.CacheBlob = nil

	res, err := Import(doc)
	require.NoError(t, err)
	require.True(t, res.NeedsRecompute)
}

func TestImportRejectsCorruptDocuments(t *testing.T) {
	r, store := populatedState(t)

	cases := []struct {
		name   string
		mutate func(*Document)
	}{
		{"dangling active session", func(d *Document) { d.ActiveSessionID = "no-such-session" }},
		{"duplicate session id", func(d *Document) { d.Sessions[1].ID = d.Sessions[0].ID }},
		{"empty session id", func(d *Document) { d.Sessions[0].ID = "" }},
		{"unknown mode", func(d *Document) { d.Sessions[0].Mode = "teleportation" }},
		{"unknown role", func(d *Document) { d.Sessions[0].Messages[0].Role = "narrator" }},
		{"no sessions", func(d *Document) { d.Sessions = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := Export(r, store, nil)
			tc.mutate(doc)
			_, err := Import(doc)
			require.ErrorIs(t, err, ErrSnapshotCorrupt)
		})
	}

	// the failed imports above must not have touched the live registry
	require.Equal(t, 2, r.Len())
	require.NotEmpty(t, r.ActiveID())
}

func TestImportFlagsMissingCacheBlob(t *testing.T) {
	r, store := populatedState(t)

	res, err := Import(Export(r, store, nil))
	require.NoError(t, err)
	require.True(t, res.NeedsRecompute)
	require.Nil(t, res.CacheBlob)

	doc := Export(r, store, nil)
	doc.CacheBlob = json.RawMessage(`{"truncated`)
	res, err = Import(doc)
	require.NoError(t, err)
	require.True(t, res.NeedsRecompute)
}

func TestImportSkipsUndecodableAttachments(t *testing.T) {
	r, store := populatedState(t)
	doc := Export(r, store, json.RawMessage(`{}`))
	doc.Attachments[0].Data = "%%% not base64 %%%"

	res, err := Import(doc)
	require.NoError(t, err)
	require.Equal(t, []string{"photo.png"}, res.SkippedAttachments)
	require.Len(t, res.Attachments, 1)
	require.Equal(t, "notes.txt", res.Attachments[0].Name)
}

func TestWriteAndLoadFile(t *testing.T) {
	r, store := populatedState(t)
	doc := Export(r, store, json.RawMessage(`{"k":1}`))

	for _, ext := range []string{"json", "yaml"} {
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snapshot."+ext)
			require.NoError(t, WriteFile(doc, path))

			loaded, err := LoadFile(path)
			require.NoError(t, err)
			require.Equal(t, doc.FormatVersion, loaded.FormatVersion)
			require.Equal(t, doc.ActiveSessionID, loaded.ActiveSessionID)
			require.Len(t, loaded.Sessions, len(doc.Sessions))
			require.Len(t, loaded.Attachments, len(doc.Attachments))

			res, err := Import(loaded)
			require.NoError(t, err)
			require.False(t, res.NeedsRecompute)
		})
	}
}

func TestLoadFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := LoadFile(path)
	require.ErrorIs(t, err, ErrSnapshotCorrupt)
}

func TestAutosavePathIsTemplated(t *testing.T) {
	r, store := populatedState(t)
	doc := Export(r, store, nil)

	dir := t.TempDir()
	fs := NewFileStore(dir)
	path, err := fs.Autosave(doc)
	require.NoError(t, err)

	require.Contains(t, path, doc.SavedAt.Format("2006"))
	require.Contains(t, path, doc.SavedAt.Format("01"))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, doc.FormatVersion, loaded.FormatVersion)
}

func TestAttachmentStoreReplace(t *testing.T) {
	store := NewStore()
	a, err := store.Add("doc.txt", []byte("v1"))
	require.NoError(t, err)

	_, err = store.Add("doc.txt", []byte("v2"))
	require.Error(t, err)

	b := store.Replace("doc.txt", []byte("v2"))
	require.Equal(t, []byte("v2"), b.Bytes)
	require.NotEqual(t, a.Handle(), b.Handle())
	require.Equal(t, 1, store.Len())
}
