package vm

import (
	"strings"
	"testing"
)

func TestScreenPixels(t *testing.T) {
	s := NewScreen(4)
	if s.Width() != 4 {
		t.Fatalf("width %d, want 4", s.Width())
	}
	s.SetPixel(1, 2, true)
	if !s.Pixel(1, 2) || s.Pixel(2, 1) {
		t.Fatal("pixel state wrong after set")
	}
	s.SetPixel(1, 2, false)
	if s.Pixel(1, 2) {
		t.Fatal("pixel still on after clear")
	}

	// out-of-range coordinates clip instead of faulting
	s.SetPixel(-1, 0, true)
	s.SetPixel(4, 0, true)
	s.SetPixel(0, ScreenRows, true)
	if s.Pixel(-1, 0) || s.Pixel(4, 0) {
		t.Fatal("out-of-range pixel reads back on")
	}
}

func TestScreenBlitAndRender(t *testing.T) {
	s := NewScreen(3)
	s.Blit(0, 0b00000101) // rows 0 and 2
	s.Blit(3, 0xff)       // clipped

	lines := strings.Split(strings.TrimSuffix(s.String(), "\n"), "\n")
	if len(lines) != ScreenRows {
		t.Fatalf("%d rows, want %d", len(lines), ScreenRows)
	}
	if lines[0] != "#.." || lines[1] != "..." || lines[2] != "#.." {
		t.Fatalf("unexpected rendering:\n%s", s.String())
	}

	s.Clear()
	if strings.Contains(s.String(), "#") {
		t.Fatal("clear left pixels on")
	}
}
