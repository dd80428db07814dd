package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/pageframe/storecore/page"
	"github.com/pageframe/storecore/resource"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("Page-Trie Storage Core Demo")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()
	fmt.Println("This demo exercises a single copy-on-write, MVCC page-trie resource:")
	fmt.Println("  • Primary indirection trie: records addressed by integer node key")
	fmt.Println("  • HOT keyed trie:           secondary indexes addressed by byte string")
	fmt.Println("  • Synchronous and background-worker commit pipelines")
	fmt.Println("  • Snapshot isolation across revisions")
	fmt.Println()

	dir, err := os.MkdirTemp("", "storecore-demo-*")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r, report, err := resource.Open(dir, resource.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()
	fmt.Printf("✓ Opened resource at %s (crash sentinel present: %v, resumed at revision %d)\n",
		dir, report.SentinelWasPresent, report.RecoveredRevision)

	demoPrimaryRecords(r)
	fmt.Println()
	demoKeyedIndex(r)
	fmt.Println()
	demoSnapshotIsolation(r)
	fmt.Println()
	demoAsyncCommit(r)
	fmt.Println()
	demoStats(r)
}

func demoPrimaryRecords(r *resource.Resource) {
	fmt.Println("### Primary index (indirection trie, integer node keys) ###")
	fmt.Println(strings.Repeat("-", 40))

	wtx, err := r.BeginWriteTrx("alice")
	if err != nil {
		log.Fatal(err)
	}

	testData := []string{
		`{"name": "Alice", "age": 30, "city": "NYC"}`,
		`{"name": "Bob", "age": 25, "city": "SF"}`,
		`{"name": "Charlie", "age": 35, "city": "LA"}`,
	}
	var keys []int64
	for _, payload := range testData {
		key, err := wtx.CreateRecord([]byte(payload), page.IndexDocument, 0)
		if err != nil {
			log.Fatal(err)
		}
		keys = append(keys, key)
		fmt.Printf("  CREATE node %d -> %s\n", key, truncate(payload, 40))
	}

	if err := r.CommitWriteTrx(wtx, "seed users", time.Unix(1700000000, 0)); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("✓ Committed revision %d\n", r.CurrentRevision())

	rtx, err := r.BeginLatestReadTrx()
	if err != nil {
		log.Fatal(err)
	}
	defer rtx.Close()
	fmt.Println("\n[Reading back]")
	for _, key := range keys {
		rec, err := rtx.GetRecord(key, page.IndexDocument, 0)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("  GET node %d -> %s\n", key, truncate(string(rec.Payload), 40))
	}

	fmt.Println("\n[Copy-on-write update]")
	wtx2, err := r.BeginWriteTrx("alice")
	if err != nil {
		log.Fatal(err)
	}
	rec, err := wtx2.PrepareRecordForModification(keys[0], page.IndexDocument, 0)
	if err != nil {
		log.Fatal(err)
	}
	rec.Payload = []byte(`{"name": "Alice Updated", "age": 31, "city": "NYC"}`)
	if err := r.CommitWriteTrx(wtx2, "update alice", time.Unix(1700000100, 0)); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("✓ Committed revision %d\n", r.CurrentRevision())

	rtxNew, err := r.BeginLatestReadTrx()
	if err != nil {
		log.Fatal(err)
	}
	defer rtxNew.Close()
	newRec, _ := rtxNew.GetRecord(keys[0], page.IndexDocument, 0)
	fmt.Printf("  GET node %d (latest) -> %s\n", keys[0], truncate(string(newRec.Payload), 60))

	rtxOld, err := r.BeginReadTrx(1)
	if err != nil {
		log.Fatal(err)
	}
	defer rtxOld.Close()
	oldRec, _ := rtxOld.GetRecord(keys[0], page.IndexDocument, 0)
	fmt.Printf("  GET node %d (revision 1) -> %s (unchanged, MVCC snapshot)\n", keys[0], truncate(string(oldRec.Payload), 60))
}

func demoKeyedIndex(r *resource.Resource) {
	fmt.Println("### Secondary index (HOT trie, byte-string keys) ###")
	fmt.Println(strings.Repeat("-", 40))

	wtx, err := r.BeginWriteTrx("alice")
	if err != nil {
		log.Fatal(err)
	}

	paths := map[string]string{
		"/db/users/1001.xml":   "document node 1",
		"/db/users/1002.xml":   "document node 2",
		"/db/products/101.xml": "document node 3",
	}
	for path, payload := range paths {
		if _, err := wtx.CreateKeyedRecord([]byte(path), []byte(payload), page.IndexPath); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("  CREATE path %s -> %s\n", path, payload)
	}

	if err := r.CommitWriteTrx(wtx, "seed paths", time.Unix(1700000200, 0)); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("✓ Committed revision %d\n", r.CurrentRevision())

	rtx, err := r.BeginLatestReadTrx()
	if err != nil {
		log.Fatal(err)
	}
	defer rtx.Close()
	fmt.Println("\n[Path lookups]")
	for path := range paths {
		entry, err := rtx.GetKeyedRecord([]byte(path), page.IndexPath)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("  GET %s -> %s\n", path, entry.Payload)
	}
	missing, err := rtx.GetKeyedRecord([]byte("/db/missing.xml"), page.IndexPath)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  GET /db/missing.xml -> %v (not found, as expected)\n", missing)
}

func demoSnapshotIsolation(r *resource.Resource) {
	fmt.Println("### Snapshot isolation ###")
	fmt.Println(strings.Repeat("-", 40))

	rtx, err := r.BeginLatestReadTrx()
	if err != nil {
		log.Fatal(err)
	}
	defer rtx.Close()
	pinnedRevision := rtx.Revision()
	fmt.Printf("  Pinned a reader at revision %d\n", pinnedRevision)

	wtx, err := r.BeginWriteTrx("bob")
	if err != nil {
		log.Fatal(err)
	}
	if _, err := wtx.CreateRecord([]byte(`{"name": "Dave"}`), page.IndexDocument, 0); err != nil {
		log.Fatal(err)
	}
	if err := r.CommitWriteTrx(wtx, "concurrent write", time.Unix(1700000300, 0)); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  A concurrent writer committed revision %d\n", r.CurrentRevision())
	fmt.Printf("  The pinned reader still reports its own revision %d, unaffected\n", rtx.Revision())
}

func demoAsyncCommit(r *resource.Resource) {
	fmt.Println("### Background-worker commit ###")
	fmt.Println(strings.Repeat("-", 40))

	wtx, err := r.BeginWriteTrx("carol")
	if err != nil {
		log.Fatal(err)
	}
	key, err := wtx.CreateRecord([]byte(`{"name": "Erin"}`), page.IndexDocument, 0)
	if err != nil {
		log.Fatal(err)
	}
	if err := r.CommitWriteTrxAuto(wtx, "async commit", time.Unix(1700000400, 0)); err != nil {
		log.Fatal(err)
	}
	fmt.Println("  Handed the frozen snapshot to the background worker, continuing without blocking on fsync")

	rtx, err := r.BeginLatestReadTrx()
	if err != nil {
		log.Fatal(err)
	}
	defer rtx.Close()
	rec, err := rtx.GetRecord(key, page.IndexDocument, 0)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  GET node %d -> %s (durable once the worker finished)\n", key, rec.Payload)
}

func demoStats(r *resource.Resource) {
	fmt.Println("### Statistics ###")
	fmt.Println(strings.Repeat("-", 40))
	stats := r.Stats()
	fmt.Printf("  Pages read:    %d\n", stats.PagesRead)
	fmt.Printf("  Pages written: %d\n", stats.PagesWritten)
	fmt.Printf("  Cache hits:    %d\n", stats.CacheHits)
	fmt.Printf("  Cache misses:  %d\n", stats.CacheMisses)
	fmt.Printf("  Sync commits:  %d\n", stats.Commits)
	fmt.Printf("  Async commits: %d\n", stats.AsyncCommits)
	fmt.Printf("  Current revision: %d\n", r.CurrentRevision())
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
