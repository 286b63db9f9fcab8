// Package listing iterates the contents of a folder page by page, presenting
// the paged list_folder protocol as a flat stream of entries.
package listing

import (
	"context"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stash-hq/go-stashutils/stashapi"
)

// Client is the slice of the Stash API the iterator needs. *stashapi.Client
// satisfies it; page fetches then inherit its uniform retry behavior.
type Client interface {
	ListFolder(ctx context.Context, path string, recursive bool) (*stashapi.ListFolderResult, error)
	ListFolderContinue(ctx context.Context, cursor string) (*stashapi.ListFolderResult, error)
}

// Iterator walks folder entries in server order across page boundaries.
// Typical use:
//
//	it := listing.List(client, "/photos", true, logger)
//	for it.Next(ctx) {
//		entry := it.Entry()
//		...
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
//
// Not safe for concurrent use.
type Iterator struct {
	client    Client
	logger    log.Logger
	path      string
	recursive bool

	started bool
	buffer  []stashapi.Metadata
	cursor  string
	hasMore bool

	entry stashapi.Metadata
	err   error
}

// List returns an iterator over the entries under path. With recursive set,
// entries of all subfolders are included. No request is made until the first
// Next call.
func List(client Client, path string, recursive bool, logger log.Logger) *Iterator {
	return &Iterator{client: client, logger: logger, path: path, recursive: recursive}
}

// Next advances to the next entry, fetching further pages as needed. It
// returns false when the listing is exhausted or a page fetch failed; Err
// tells the two apart.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for len(it.buffer) == 0 {
		if it.started && !it.hasMore {
			return false
		}
		if !it.fetch(ctx) {
			return false
		}
	}
	it.entry = it.buffer[0]
	it.buffer = it.buffer[1:]
	return true
}

// Entry returns the entry Next advanced to.
func (it *Iterator) Entry() stashapi.Metadata {
	return it.entry
}

// Err returns the error that ended the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) fetch(ctx context.Context) bool {
	var result *stashapi.ListFolderResult
	var err error
	if it.started {
		result, err = it.client.ListFolderContinue(ctx, it.cursor)
	} else {
		result, err = it.client.ListFolder(ctx, it.path, it.recursive)
	}
	if err != nil {
		it.err = err
		return false
	}
	it.logger.Debugf("Fetched page of %d entries, has more: %v", len(result.Entries), result.HasMore)
	it.started = true
	it.buffer = result.Entries
	it.cursor = result.Cursor
	it.hasMore = result.HasMore
	return true
}
