package embedded

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"catalogsearch/indexer/internal/catalog"
	"catalogsearch/indexer/internal/search"
)

func setupTestCluster(t *testing.T, dir string) *Cluster {
	t.Helper()
	c, err := New(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func projectSpec() search.IndexSpec {
	return search.IndexSpec{Shards: 1, RefreshInterval: "-1", Definition: search.ProjectDefinition()}
}

func doc(name, version string) catalog.Document {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return catalog.Document{
		Name:             name,
		NormalizedName:   catalog.Normalize(name),
		Version:          version,
		Summary:          name + " summary",
		Classifiers:      []string{"Topic :: Utilities"},
		Created:          created,
		CreatedTimestamp: created.Unix(),
	}
}

func mustCreate(t *testing.T, c *Cluster, name string, docs ...catalog.Document) {
	t.Helper()
	ctx := context.Background()
	if err := c.CreateIndex(ctx, name, projectSpec()); err != nil {
		t.Fatalf("CreateIndex %s failed: %v", name, err)
	}
	if len(docs) == 0 {
		return
	}
	resp, err := c.Bulk(ctx, name, docs)
	if err != nil {
		t.Fatalf("Bulk into %s failed: %v", name, err)
	}
	if resp.Succeeded != len(docs) {
		t.Fatalf("expected %d indexed, got %+v", len(docs), resp)
	}
}

func TestBulkAndLookup(t *testing.T) {
	c := setupTestCluster(t, "")
	ctx := context.Background()
	mustCreate(t, c, "projects-aaaaaaaaaa", doc("Alpha", "1.0"), doc("beta.pkg", "2.0"))

	n, err := c.Count(ctx, "projects-aaaaaaaaaa")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 documents, got %d, %v", n, err)
	}
	fields, err := c.Lookup(ctx, "projects-aaaaaaaaaa", "beta-pkg")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if fields["version"] != "2.0" || fields["name"] != "beta.pkg" {
		t.Errorf("unexpected stored fields %v", fields)
	}

	// Re-indexing an id replaces the document.
	if _, err := c.Bulk(ctx, "projects-aaaaaaaaaa", []catalog.Document{doc("beta.pkg", "3.0")}); err != nil {
		t.Fatalf("Bulk failed: %v", err)
	}
	fields, _ = c.Lookup(ctx, "projects-aaaaaaaaaa", "beta-pkg")
	if fields["version"] != "3.0" {
		t.Errorf("expected upsert to version 3.0, got %v", fields["version"])
	}
	if n, _ := c.Count(ctx, "projects-aaaaaaaaaa"); n != 2 {
		t.Errorf("upsert must not add a document, have %d", n)
	}
}

func TestCreateIndexTwice(t *testing.T) {
	c := setupTestCluster(t, "")
	mustCreate(t, c, "projects-aaaaaaaaaa")
	if err := c.CreateIndex(context.Background(), "projects-aaaaaaaaaa", projectSpec()); err == nil {
		t.Fatal("expected error creating an existing index")
	}
}

func TestDeleteDocument(t *testing.T) {
	c := setupTestCluster(t, "")
	ctx := context.Background()
	mustCreate(t, c, "projects-aaaaaaaaaa", doc("alpha", "1.0"))

	if err := c.DeleteDocument(ctx, "projects-aaaaaaaaaa", "alpha"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if err := c.DeleteDocument(ctx, "projects-aaaaaaaaaa", "alpha"); !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.DeleteDocument(ctx, "projects-ffffffffff", "alpha"); !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing index, got %v", err)
	}
}

func TestAliasSwap(t *testing.T) {
	c := setupTestCluster(t, "")
	ctx := context.Background()
	mustCreate(t, c, "projects-aaaaaaaaaa", doc("alpha", "1.0"))
	mustCreate(t, c, "projects-bbbbbbbbbb", doc("alpha", "2.0"), doc("beta", "1.0"))

	if err := c.PutAlias(ctx, "projects-aaaaaaaaaa", "projects"); err != nil {
		t.Fatalf("PutAlias failed: %v", err)
	}
	if n, _ := c.Count(ctx, "projects"); n != 1 {
		t.Fatalf("expected 1 document through alias, got %d", n)
	}

	err := c.UpdateAliases(ctx, []search.AliasAction{
		{Op: search.AliasRemove, Index: "projects-aaaaaaaaaa", Alias: "projects"},
		{Op: search.AliasAdd, Index: "projects-bbbbbbbbbb", Alias: "projects"},
	})
	if err != nil {
		t.Fatalf("UpdateAliases failed: %v", err)
	}
	members, _ := c.GetAlias(ctx, "projects")
	if len(members) != 1 || members[0] != "projects-bbbbbbbbbb" {
		t.Fatalf("unexpected members %v", members)
	}
	fields, err := c.Lookup(ctx, "projects", "alpha")
	if err != nil || fields["version"] != "2.0" {
		t.Fatalf("expected alpha 2.0 through alias, got %v, %v", fields, err)
	}
}

func TestPutAliasOnBoundIndexKeepsOneMember(t *testing.T) {
	c := setupTestCluster(t, "")
	ctx := context.Background()
	mustCreate(t, c, "projects-aaaaaaaaaa", doc("alpha", "1.0"))

	for i := 0; i < 2; i++ {
		if err := c.PutAlias(ctx, "projects-aaaaaaaaaa", "projects"); err != nil {
			t.Fatalf("PutAlias failed: %v", err)
		}
	}
	err := c.UpdateAliases(ctx, []search.AliasAction{
		{Op: search.AliasRemove, Index: "projects-aaaaaaaaaa", Alias: "projects"},
		{Op: search.AliasAdd, Index: "projects-aaaaaaaaaa", Alias: "projects"},
	})
	if err != nil {
		t.Fatalf("UpdateAliases failed: %v", err)
	}

	members, _ := c.GetAlias(ctx, "projects")
	if len(members) != 1 || members[0] != "projects-aaaaaaaaaa" {
		t.Fatalf("expected a single member, got %v", members)
	}
	if n, err := c.Count(ctx, "projects"); err != nil || n != 1 {
		t.Fatalf("expected 1 document through the alias, got %d, %v", n, err)
	}

	if err := c.UpdateAliases(ctx, []search.AliasAction{
		{Op: search.AliasRemove, Index: "projects-aaaaaaaaaa", Alias: "projects"},
	}); err != nil {
		t.Fatalf("UpdateAliases failed: %v", err)
	}
	if n, err := c.Count(ctx, "projects"); err != nil || n != 0 {
		t.Fatalf("expected the alias to be empty after removal, got %d, %v", n, err)
	}
}

func TestUpdateAliasesRejectsMissingIndex(t *testing.T) {
	c := setupTestCluster(t, "")
	ctx := context.Background()
	mustCreate(t, c, "projects-aaaaaaaaaa")
	_ = c.PutAlias(ctx, "projects-aaaaaaaaaa", "projects")

	err := c.UpdateAliases(ctx, []search.AliasAction{
		{Op: search.AliasRemove, Index: "projects-aaaaaaaaaa", Alias: "projects"},
		{Op: search.AliasAdd, Index: "projects-ffffffffff", Alias: "projects"},
	})
	if !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	members, _ := c.GetAlias(ctx, "projects")
	if len(members) != 1 || members[0] != "projects-aaaaaaaaaa" {
		t.Fatalf("a rejected update must leave the alias unchanged, got %v", members)
	}
}

func TestDeleteIndexUnbindsAlias(t *testing.T) {
	c := setupTestCluster(t, "")
	ctx := context.Background()
	mustCreate(t, c, "projects-aaaaaaaaaa", doc("alpha", "1.0"))
	_ = c.PutAlias(ctx, "projects-aaaaaaaaaa", "projects")

	if err := c.DeleteIndex(ctx, "projects-aaaaaaaaaa", "projects-ffffffffff"); err != nil {
		t.Fatalf("DeleteIndex failed: %v", err)
	}
	if members, _ := c.GetAlias(ctx, "projects"); len(members) != 0 {
		t.Fatalf("expected alias to be unbound, got %v", members)
	}
	if err := c.DeleteIndex(ctx, "projects-aaaaaaaaaa"); !errors.Is(err, search.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListIndices(t *testing.T) {
	c := setupTestCluster(t, "")
	mustCreate(t, c, "projects-bbbbbbbbbb")
	mustCreate(t, c, "projects-aaaaaaaaaa")
	mustCreate(t, c, "other-aaaaaaaaaa")

	indices, err := c.ListIndices(context.Background(), "projects-")
	if err != nil {
		t.Fatalf("ListIndices failed: %v", err)
	}
	if len(indices) != 2 || indices[0].Name != "projects-aaaaaaaaaa" || indices[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected indices %+v", indices)
	}
}

func TestPersistentClusterReopens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := New(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mustCreate(t, c, "projects-aaaaaaaaaa", doc("alpha", "1.0"))
	if err := c.PutAlias(ctx, "projects-aaaaaaaaaa", "projects"); err != nil {
		t.Fatalf("PutAlias failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened := setupTestCluster(t, dir)
	members, _ := reopened.GetAlias(ctx, "projects")
	if len(members) != 1 || members[0] != "projects-aaaaaaaaaa" {
		t.Fatalf("expected alias binding to survive restart, got %v", members)
	}
	if n, err := reopened.Count(ctx, "projects"); err != nil || n != 1 {
		t.Fatalf("expected 1 document after reopen, got %d, %v", n, err)
	}
}

func TestPersistentClusterKeepsCreationTime(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := New(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mustCreate(t, c, "projects-aaaaaaaaaa", doc("alpha", "1.0"))
	before, err := c.ListIndices(ctx, "projects-")
	if err != nil || len(before) != 1 {
		t.Fatalf("ListIndices failed: %v, %v", before, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Later writes move the directory mtime.
	later := time.Now().Add(48 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "projects-aaaaaaaaaa"), later, later); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	reopened := setupTestCluster(t, dir)
	after, err := reopened.ListIndices(ctx, "projects-")
	if err != nil || len(after) != 1 {
		t.Fatalf("ListIndices failed: %v, %v", after, err)
	}
	if !after[0].CreatedAt.Equal(before[0].CreatedAt) {
		t.Errorf("expected creation time %v after reopen, got %v", before[0].CreatedAt, after[0].CreatedAt)
	}
}

func TestReopenWithoutCreationRecordIsUnknown(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	mustCreate(t, c, "projects-aaaaaaaaaa")
	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "projects-aaaaaaaaaa", createdFile)); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	reopened := setupTestCluster(t, dir)
	indices, _ := reopened.ListIndices(context.Background(), "projects-")
	if len(indices) != 1 || !indices[0].CreatedAt.IsZero() {
		t.Fatalf("expected an unknown creation time, got %+v", indices)
	}
}
