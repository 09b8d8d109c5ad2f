package chunker

import (
	"errors"
	"strings"
	"testing"
)

func collect(t *testing.T, text string, size, overlap int) []string {
	t.Helper()
	seq, err := Chunks(text, size, overlap)
	if err != nil {
		t.Fatalf("Chunks(%d, %d): %v", size, overlap, err)
	}
	var out []string
	for i, c := range seq {
		if i != len(out) {
			t.Fatalf("chunk index %d out of order, want %d", i, len(out))
		}
		out = append(out, c)
	}
	return out
}

// repeatingText builds a deterministic non-repeating-window string so overlap
// comparisons are meaningful.
func repeatingText(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; sb.Len() < n; i++ {
		sb.WriteByte(alphabet[i%len(alphabet)])
		if i%7 == 3 {
			sb.WriteByte(' ')
		}
	}
	return sb.String()[:n]
}

func TestChunks_SlidingWindow(t *testing.T) {
	text := repeatingText(2500)
	chunks := collect(t, text, 1000, 200)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	wantLens := []int{1000, 1000, 900}
	for i, c := range chunks {
		if len(c) != wantLens[i] {
			t.Errorf("chunk %d length = %d, want %d", i, len(c), wantLens[i])
		}
	}

	// Every adjacent pair shares exactly the 200 trailing/leading characters.
	for i := 0; i < len(chunks)-1; i++ {
		tail := chunks[i][len(chunks[i])-200:]
		head := chunks[i+1][:200]
		if tail != head {
			t.Errorf("chunks %d/%d do not share a 200-char overlap", i, i+1)
		}
	}
}

func TestChunks_Reconstruction(t *testing.T) {
	text := repeatingText(3777)
	chunks := collect(t, text, 1000, 200)

	var sb strings.Builder
	sb.WriteString(chunks[0])
	for _, c := range chunks[1:] {
		sb.WriteString(c[200:]) // drop the leading overlap
	}
	if sb.String() != text {
		t.Error("concatenation minus overlaps does not reconstruct the input")
	}
}

func TestChunks_ShortInput(t *testing.T) {
	chunks := collect(t, "hello", 1000, 200)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("got %v, want single chunk %q", chunks, "hello")
	}
}

func TestChunks_EmptyInput(t *testing.T) {
	if chunks := collect(t, "", 1000, 200); len(chunks) != 0 {
		t.Fatalf("got %d chunks for empty input, want 0", len(chunks))
	}
}

func TestChunks_ExactMultiple(t *testing.T) {
	// 2600 runes with step 800 ends exactly on a window boundary; no empty
	// trailing chunk may appear.
	chunks := collect(t, repeatingText(2600), 1000, 200)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) != 1000 {
			t.Errorf("chunk %d length = %d, want 1000", i, len(c))
		}
	}
}

func TestChunks_Restartable(t *testing.T) {
	text := repeatingText(2500)
	seq, err := Chunks(text, 1000, 200)
	if err != nil {
		t.Fatal(err)
	}
	count := func() int {
		n := 0
		for range seq {
			n++
		}
		return n
	}
	if first, second := count(), count(); first != second {
		t.Errorf("sequence not restartable: %d then %d chunks", first, second)
	}
}

func TestChunks_InvalidParams(t *testing.T) {
	if _, err := Chunks("text", 1000, 1000); !errors.Is(err, ErrInvalidOverlap) {
		t.Errorf("overlap == size: got %v, want ErrInvalidOverlap", err)
	}
	if _, err := Chunks("text", 200, 500); !errors.Is(err, ErrInvalidOverlap) {
		t.Errorf("overlap > size: got %v, want ErrInvalidOverlap", err)
	}
	if _, err := Chunks("text", 0, 0); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("zero size: got %v, want ErrInvalidSize", err)
	}
	if _, err := Chunks("text", 100, -1); !errors.Is(err, ErrInvalidOverlap) {
		t.Errorf("negative overlap: got %v, want ErrInvalidOverlap", err)
	}
}
