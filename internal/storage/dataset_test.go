package storage

import "testing"

func TestDatasetPrefixValidatesName(t *testing.T) {
	prefix, err := DatasetPrefix("shop")
	if err != nil {
		t.Fatalf("DatasetPrefix() error = %v", err)
	}
	if prefix != "shop/" {
		t.Fatalf("prefix = %q", prefix)
	}
	if _, err := DatasetPrefix("../etc"); err == nil {
		t.Fatal("expected invalid dataset error")
	}
}

func TestGroupTableFilesOrdersTablesAndFiles(t *testing.T) {
	objects := []ObjectInfo{
		{Key: "shop/orders/part-2.parquet"},
		{Key: "shop/customers/part-1.parquet"},
		{Key: "shop/orders/part-1.parquet"},
		{Key: "shop/orders/_SUCCESS"},
		{Key: "shop/readme.parquet"},
		{Key: "shop/bad-name/part-1.parquet"},
		{Key: "other/orders/part-1.parquet"},
	}

	groups := GroupTableFiles("shop", objects)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2: %#v", len(groups), groups)
	}
	if groups[0].Table != "customers" || groups[1].Table != "orders" {
		t.Fatalf("tables = %q, %q", groups[0].Table, groups[1].Table)
	}
	if len(groups[1].Files) != 2 || groups[1].Files[0].Key != "shop/orders/part-1.parquet" {
		t.Fatalf("orders files = %#v", groups[1].Files)
	}
}
