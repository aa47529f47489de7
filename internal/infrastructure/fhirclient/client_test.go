package fhirclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drfirst/go-rxgate/internal/collab"
)

const bundle = `{
  "resourceType": "Bundle",
  "type": "searchset",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "pt-7", "gender": "male", "birthDate": "1990-01-01"}},
    {"resource": {"resourceType": "AllergyIntolerance", "criticality": "high",
      "verificationStatus": {"coding": [{"code": "confirmed"}]}, "code": {"text": "Penicillin"}}}
  ]
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/fhir/", Token: "tok"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return c
}

func TestFetchContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fhir/Patient/pt-7/$everything" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != ContentType || r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("headers = %v", r.Header)
		}
		w.Header().Set("Content-Type", ContentType)
		w.Write([]byte(bundle))
	})

	snap, err := c.FetchContext(context.Background(), "pt-7")
	if err != nil {
		t.Fatalf("FetchContext: %v", err)
	}
	if snap.PatientID != "pt-7" || snap.Demographics.AgeYears == nil || *snap.Demographics.AgeYears != 34 {
		t.Errorf("snapshot = %+v", snap.Demographics)
	}
	if len(snap.Allergies) != 1 || !snap.Allergies[0].Verified {
		t.Errorf("allergies = %+v", snap.Allergies)
	}
}

func TestFetchContextNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"resourceType":"OperationOutcome"}`, http.StatusNotFound)
	})
	_, err := c.FetchContext(context.Background(), "nobody")
	if !errors.Is(err, collab.ErrPatientNotFound) {
		t.Fatalf("err = %v, want ErrPatientNotFound", err)
	}
}

func TestFetchContextServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	_, err := c.FetchContext(context.Background(), "pt-7")
	if err == nil || errors.Is(err, collab.ErrPatientNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestFetchContextRejectsBundleWithoutPatient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[]}`))
	})
	if _, err := c.FetchContext(context.Background(), "pt-7"); err == nil {
		t.Fatal("bundle without Patient accepted")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "not a url"}, nil); err == nil {
		t.Fatal("invalid base url accepted")
	}
}
