package integrity

import (
	"testing"

	"github.com/driftsync/driftsync/chunkcrypto"
)

func TestRootDeterministic(t *testing.T) {
	var a, b chunkcrypto.Hash
	a[0], b[0] = 1, 2
	chunks := []chunkcrypto.Hash{a, b}

	r1 := Root(chunks)
	r2 := Root(chunks)
	if r1 != r2 {
		t.Fatal("Root is not deterministic for identical input")
	}
}

func TestRootSensitiveToOrder(t *testing.T) {
	var a, b chunkcrypto.Hash
	a[0], b[0] = 1, 2

	r1 := Root([]chunkcrypto.Hash{a, b})
	r2 := Root([]chunkcrypto.Hash{b, a})
	if r1 == r2 {
		t.Fatal("Root should differ when chunk order differs")
	}
}

func TestRootSensitiveToContent(t *testing.T) {
	var a, b chunkcrypto.Hash
	a[0], b[0] = 1, 3

	r1 := Root([]chunkcrypto.Hash{a})
	r2 := Root([]chunkcrypto.Hash{b})
	if r1 == r2 {
		t.Fatal("Root should differ for different chunk content")
	}
}
