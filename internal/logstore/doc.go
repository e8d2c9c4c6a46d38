/*
Package logstore owns the on-disk session logs.

Each session is one append-only JSONL file under the store root:

	<root>/<flattened-project-path>/<sessionId>.jsonl

Every line is a self-contained JSON record (pkg/types.Record). The commit rule
is the whole concurrency story: a record exists once its trailing newline is
on disk. Writers append line+newline in a single write under a per-file lock;
readers take no lock at all and simply ignore a partial trailing line.

Three operations cover the access patterns:

  - Append: serialize, lock, single write(2) of line+newline.
  - Read: all committed records, optionally truncated to those after a given
    record uuid (unknown uuid falls back to everything). Book-keeping records
    and stream-event chunks are filtered out of results.
  - Tail: incremental read from a remembered byte offset, driven by
    file-change events on the bus, for live followers of a log another
    process or host is writing.

Session-id promotion is handled with an alias: while the physical rename is
pending the new id resolves to the old file, so reads never miss records.
*/
package logstore
