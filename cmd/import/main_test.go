package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackmichael/fedi-indexer/internal/domain"
	"github.com/blackmichael/fedi-indexer/internal/links"
	"github.com/blackmichael/fedi-indexer/internal/sqlite"
	"github.com/blackmichael/fedi-indexer/internal/writequeue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOutbox = `{
  "@context": "https://www.w3.org/ns/activitystreams",
  "type": "OrderedCollection",
  "orderedItems": [
    {
      "id": "https://social.example/users/me/statuses/1/activity",
      "type": "Create",
      "actor": "https://social.example/users/me",
      "published": "2023-01-02T03:04:05Z",
      "to": ["https://www.w3.org/ns/activitystreams#Public"],
      "object": {
        "id": "https://social.example/users/me/statuses/1",
        "content": "<p>read <a href=\"https://example.com/a?utm_source=x\">this</a></p>"
      }
    },
    {
      "id": "https://social.example/users/me/statuses/2/activity",
      "type": "Create",
      "actor": "https://social.example/users/me",
      "to": ["https://social.example/users/me/followers"],
      "object": {"id": "https://social.example/users/me/statuses/2", "content": "<p>private</p>"}
    },
    {
      "id": "https://social.example/users/me/statuses/3/activity",
      "type": "Announce",
      "actor": "https://social.example/users/me",
      "to": ["https://www.w3.org/ns/activitystreams#Public"],
      "object": "https://other.example/notes/9"
    }
  ]
}`

func TestImportOutbox(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	outboxPath := filepath.Join(dir, "outbox.json")
	require.NoError(t, os.WriteFile(outboxPath, []byte(testOutbox), 0o644))

	repo, err := sqlite.NewRepository(ctx, filepath.Join(dir, "import.sqlite3"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	queue := writequeue.New(repo, writequeue.Options{MaxDeferred: 100}, zerolog.Nop())
	normalizer := links.NewNormalizer(nil, nil, links.Options{}, zerolog.Nop())
	svc := domain.NewIndexService(queue, normalizer, nil, nil, domain.IndexServiceOptions{}, zerolog.Nop())

	require.NoError(t, importOutbox(ctx, outboxPath, svc, queue, 1, zerolog.Nop()))
	assert.Zero(t, queue.Len())

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Posts)
	assert.Equal(t, int64(1), counts.Links)

	stored, err := repo.LinksForPost(ctx, "https://social.example/users/me/statuses/1/activity")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "https://example.com/a", stored[0].Normalized)
	assert.Equal(t, "https://social.example/users/me", stored[0].AccountURL)
}

func TestImportOutbox_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	repo, err := sqlite.NewRepository(ctx, filepath.Join(dir, "import.sqlite3"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	queue := writequeue.New(repo, writequeue.Options{MaxDeferred: 100}, zerolog.Nop())
	svc := domain.NewIndexService(queue, links.NewNormalizer(nil, nil, links.Options{}, zerolog.Nop()), nil, nil, domain.IndexServiceOptions{}, zerolog.Nop())

	assert.Error(t, importOutbox(ctx, filepath.Join(dir, "missing.json"), svc, queue, 10, zerolog.Nop()))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"orderedItems": [`), 0o644))
	assert.Error(t, importOutbox(ctx, bad, svc, queue, 10, zerolog.Nop()))

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"orderedItems": []}`), 0o644))
	assert.NoError(t, importOutbox(ctx, empty, svc, queue, 10, zerolog.Nop()))
}
