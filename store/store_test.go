package store_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jacentio/treeorder/store"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    store.Kind
		wantErr bool
	}{
		{"file", store.KindFile, false},
		{"folder", store.KindFolder, false},
		{"Folder", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := store.ParseKind(tt.in)
			if tt.wantErr {
				if !errors.Is(err, store.ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestKind_CanContain(t *testing.T) {
	if !store.KindFolder.CanContain() {
		t.Error("folders must be able to contain items")
	}
	if store.KindFile.CanContain() {
		t.Error("files must not contain items")
	}
	if store.Kind(0).CanContain() {
		t.Error("zero kind must not contain items")
	}
}

func TestParseIcon_Aliases(t *testing.T) {
	tests := []struct {
		in   string
		want store.Icon
	}{
		{"file-text", store.IconFileText},
		{"FileText", store.IconFileText},
		{"folder", store.IconFolder},
		{"Archive", store.IconArchive},
		{"code", store.IconCode},
	}

	for _, tt := range tests {
		got, err := store.ParseIcon(tt.in)
		if err != nil {
			t.Fatalf("ParseIcon(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseIcon(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := store.ParseIcon("spreadsheet"); !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected ErrValidation for unknown icon, got %v", err)
	}
}

func TestItem_JSONRoundTrip(t *testing.T) {
	in := store.Item{ID: 4, Name: "docs", Kind: store.KindFolder, Icon: store.IconFolder, ParentID: store.Ref(2), Position: 1}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["kind"] != "folder" || raw["icon"] != "folder" {
		t.Errorf("expected text enums on the wire, got kind=%v icon=%v", raw["kind"], raw["icon"])
	}
	if raw["parentId"] != float64(2) {
		t.Errorf("expected parentId 2, got %v", raw["parentId"])
	}

	var out store.Item
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != in.Kind || *out.ParentID != 2 {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestItem_JSONRejectsUnknownKind(t *testing.T) {
	var it store.Item
	err := json.Unmarshal([]byte(`{"name":"x","kind":"symlink","icon":"code"}`), &it)
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestItem_Clone(t *testing.T) {
	in := store.Item{ID: 1, ParentID: store.Ref(3)}
	out := in.Clone()
	*out.ParentID = 9
	if *in.ParentID != 3 {
		t.Error("clone must not alias ParentID")
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{store.ErrNotFound, store.CodeNotFound},
		{fmt.Errorf("move 3: %w", store.ErrInvalidTarget), store.CodeInvalidTarget},
		{store.ErrValidation, store.CodeValidationError},
		{store.ErrNotEmpty, store.CodeNotEmpty},
		{store.ErrConcurrencyTimeout, store.CodeConcurrencyTimeout},
		{store.ErrConcurrentModification, store.CodeConcurrencyTimeout},
		{errors.New("disk on fire"), store.CodeInternal},
	}

	for _, tt := range tests {
		if got := store.Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSortItems(t *testing.T) {
	items := []store.Item{
		{ID: 5, ParentID: store.Ref(2), Position: 1},
		{ID: 1, Position: 1},
		{ID: 4, ParentID: store.Ref(2), Position: 0},
		{ID: 2, Position: 0},
		{ID: 6, ParentID: store.Ref(1), Position: 0},
	}
	store.SortItems(items)

	want := []int64{2, 1, 6, 4, 5}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("position %d: got id %d, want %d (order %v)", i, items[i].ID, id, items)
		}
	}
}
