package secrets

import (
	"bytes"
	"testing"

	"github.com/fleetwork/drover/pkg/crypt"
)

func TestCellRotateBumpsVersion(t *testing.T) {
	key, err := crypt.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cell := NewCell(key)

	v1, k1 := cell.Current()
	if v1 != 1 || !bytes.Equal(k1, key) {
		t.Fatalf("initial state: version %d", v1)
	}

	if err := cell.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	v2, k2 := cell.Current()
	if v2 != 2 {
		t.Errorf("version after rotate = %d", v2)
	}
	if bytes.Equal(k1, k2) {
		t.Error("rotate did not change the key")
	}
}

func TestCellSetSameKeyKeepsVersion(t *testing.T) {
	key, _ := crypt.GenerateKey()
	cell := NewCell(key)

	cell.Set(key)
	if v, _ := cell.Current(); v != 1 {
		t.Errorf("version bumped on no-op set: %d", v)
	}

	other, _ := crypt.GenerateKey()
	cell.Set(other)
	if v, _ := cell.Current(); v != 2 {
		t.Errorf("version after real change: %d", v)
	}
}

func TestStoreCells(t *testing.T) {
	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_, aesKey := store.Cell(CellAES).Current()
	_, clusterKey := store.Cell(CellClusterAES).Current()
	if len(aesKey) != crypt.KeySize || len(clusterKey) != crypt.KeySize {
		t.Fatal("seeded cells missing keys")
	}
	if bytes.Equal(aesKey, clusterKey) {
		t.Error("aes and cluster_aes share a key")
	}

	// Same name, same cell.
	if store.Cell(CellAES) != store.Cell(CellAES) {
		t.Error("Cell is not stable per name")
	}
}

func TestCellFor(t *testing.T) {
	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if store.CellFor("") != store.Cell(CellAES) {
		t.Error("standalone node should use the aes cell")
	}
	if store.CellFor("cluster-east") != store.Cell(CellClusterAES) {
		t.Error("cluster member should use the cluster_aes cell")
	}
}
