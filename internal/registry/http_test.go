package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListTools(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/tools" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"tools":[
			{"name":"roll_dice","description":"Roll dice","parameters":{"type":"object"}},
			{"name":"lookup_rule"}
		]}`))
	}))
	defer srv.Close()

	r := NewHTTP(srv.URL)
	tools, err := r.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len = %d, want 2", len(tools))
	}
	if tools[0].Name != "roll_dice" || tools[0].Description != "Roll dice" {
		t.Errorf("first tool = %+v", tools[0])
	}
}

func TestListTools_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewHTTP(srv.URL).ListTools(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/call" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode call body: %v", err)
		}
		if body.Name != "roll_dice" {
			t.Errorf("name = %q", body.Name)
		}
		_, _ = w.Write([]byte(`{"total":14,"rolls":[6,6,2]}`))
	}))
	defer srv.Close()

	result, err := NewHTTP(srv.URL).Call(context.Background(), "roll_dice", json.RawMessage(`{"dice":"3d6"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if decoded["total"] != float64(14) {
		t.Errorf("total = %v", decoded["total"])
	}
}

func TestCall_NonJSONResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json at all`))
	}))
	defer srv.Close()

	if _, err := NewHTTP(srv.URL).Call(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error for non-JSON result")
	}
}

func TestCall_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such tool", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewHTTP(srv.URL).Call(context.Background(), "ghost", nil); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestSessionTools_Shape(t *testing.T) {
	tools := []Tool{
		{Name: "roll_dice", Description: "Roll", Parameters: map[string]any{"type": "object"}},
		{Name: "bare"},
	}
	out := SessionTools(tools)
	if len(out) != 2 {
		t.Fatalf("len = %d", len(out))
	}
	if out[0]["type"] != "function" || out[0]["name"] != "roll_dice" {
		t.Errorf("first = %v", out[0])
	}
	if _, ok := out[1]["description"]; ok {
		t.Error("empty description should be omitted")
	}
	if _, ok := out[1]["parameters"]; ok {
		t.Error("nil parameters should be omitted")
	}
}
