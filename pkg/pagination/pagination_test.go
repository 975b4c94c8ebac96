package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name   string
		target string
		limit  int
		offset int
	}{
		{"defaults", "/", DefaultLimit, 0},
		{"custom", "/?limit=50&offset=10", 50, 10},
		{"max limit", "/?limit=1000", MaxLimit, 0},
		{"negative offset", "/?offset=-5", DefaultLimit, 0},
		{"garbage", "/?limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromContext(contextFor(tt.target))
			if p.Limit != tt.limit || p.Offset != tt.offset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tt.limit, tt.offset)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, 2, 0)
	if !resp.HasMore {
		t.Error("expected has_more")
	}
	if resp.NextOffset == nil || *resp.NextOffset != 2 {
		t.Errorf("expected next_offset 2, got %v", resp.NextOffset)
	}

	last := NewResponse([]string{"j"}, 10, 2, 8)
	if last.HasMore || last.NextOffset != nil {
		t.Error("last page must not advertise a next page")
	}

	data, err := json.Marshal(last)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, ok := raw["next_offset"]; ok {
		t.Error("next_offset should be omitted on the last page")
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 20, Offset: 10}
	if !p.HasPrevious() {
		t.Error("expected previous page")
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if p.NextOffset() != 30 {
		t.Errorf("expected next offset 30, got %d", p.NextOffset())
	}
	if p.HasNext(30) {
		t.Error("offset+limit == total means no next page")
	}
	if (Params{Limit: 20}).HasPrevious() {
		t.Error("first page has no previous")
	}
}
