package terminology

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPServiceValueSet(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/ValueSet/$validate-code" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("url") != "http://hl7.org/fhir/ValueSet/condition-code" || q.Get("system") != snomed || q.Get("code") != "25064002" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Accept"); got != "application/fhir+json" {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"Parameters","parameter":[
			{"name":"result","valueBoolean":true},
			{"name":"display","valueString":"Headache"}]}`))
	}))
	defer srv.Close()

	svc := NewHTTPService(srv.URL + "/")
	resp, err := svc.ValidateCode(context.Background(), Request{
		Code: "25064002", System: snomed, ValueSet: "http://hl7.org/fhir/ValueSet/condition-code",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Validated || !resp.Result || resp.Display != "Headache" {
		t.Errorf("resp = %+v", resp)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestHTTPServiceCodeSystem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/CodeSystem/$validate-code" || r.URL.Query().Get("url") != "http://loinc.org" {
			t.Errorf("request = %s", r.URL)
		}
		_, _ = w.Write([]byte(`{"resourceType":"Parameters","parameter":[
			{"name":"result","valueBoolean":false},
			{"name":"message","valueString":"Unknown code 'x'"}]}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPService(srv.URL).ValidateCode(context.Background(), Request{Code: "x", System: "http://loinc.org"})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Validated || resp.Result || resp.Message != "Unknown code 'x'" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHTTPServiceFailures(t *testing.T) {
	t.Run("client error is not definitive", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "unknown value set", http.StatusNotFound)
		}))
		defer srv.Close()

		resp, err := NewHTTPService(srv.URL).ValidateCode(context.Background(), Request{Code: "a", ValueSet: "http://x"})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Validated {
			t.Error("404 should not be definitive")
		}
	})

	t.Run("server error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := NewHTTPService(srv.URL).ValidateCode(context.Background(), Request{Code: "a", ValueSet: "http://x"})
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("err = %v; want ErrUnavailable", err)
		}
		var se *ServiceError
		if !errors.As(err, &se) || se.StatusCode != http.StatusBadGateway {
			t.Errorf("err = %#v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		svc := NewHTTPService(srv.URL, WithServiceTimeout(20*time.Millisecond))
		_, err := svc.ValidateCode(context.Background(), Request{Code: "a", ValueSet: "http://x"})
		if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, ErrUnavailable) {
			t.Errorf("err = %v; want timeout", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not json"))
		}))
		defer srv.Close()

		_, err := NewHTTPService(srv.URL, WithHTTPClient(srv.Client())).ValidateCode(context.Background(), Request{Code: "a"})
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestHTTPServiceDisplayMismatchStaysValid(t *testing.T) {
	// The server rejects any request that carries a wrong display.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("display") {
			_, _ = w.Write([]byte(`{"resourceType":"Parameters","parameter":[
				{"name":"result","valueBoolean":false},
				{"name":"message","valueString":"Wrong display"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"resourceType":"Parameters","parameter":[
			{"name":"result","valueBoolean":true},
			{"name":"display","valueString":"Headache"}]}`))
	}))
	defer srv.Close()

	v := New(newRegistry(t), WithService(NewHTTPService(srv.URL)))
	out := v.ValidateCoding(context.Background(), coding(snomed, "25064002", "Head pain"),
		bind(StrengthRequired, "http://example.org/ValueSet/conditions"))
	if !out.Valid {
		t.Errorf("display mismatch made the code invalid: %+v", out)
	}
	if out.DisplayWarning == "" {
		t.Error("expected a display warning")
	}
}
