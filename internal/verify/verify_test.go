package verify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/example/servlink/internal/fault"
	"github.com/example/servlink/internal/models"
)

func completeDocs() models.VerificationDocs {
	return models.VerificationDocs{
		Category:       "plumber",
		Citizenship:    []byte("cz"),
		ServiceCert:    []byte("sc"),
		ExperienceCert: []byte("ec"),
	}
}

func TestValidateRejectsMissingRequiredDocs(t *testing.T) {
	cases := map[string]func(*models.VerificationDocs){
		"category":        func(d *models.VerificationDocs) { d.Category = "" },
		"citizenship":     func(d *models.VerificationDocs) { d.Citizenship = nil },
		"service cert":    func(d *models.VerificationDocs) { d.ServiceCert = nil },
		"experience cert": func(d *models.VerificationDocs) { d.ExperienceCert = nil },
	}
	for name, strip := range cases {
		d := completeDocs()
		strip(&d)
		if err := Validate(d); !errors.Is(err, fault.ErrValidationFailed) {
			t.Errorf("missing %s: expected validation failure, got %v", name, err)
		}
	}
}

func TestValidateAllowsMissingDrivingLicense(t *testing.T) {
	if err := Validate(completeDocs()); err != nil {
		t.Fatalf("driving license is optional: %v", err)
	}
}

func TestSubmitValidatesBeforeUpload(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	d := completeDocs()
	d.Citizenship = nil
	if err := c.SubmitDocuments(context.Background(), "w1", d); !errors.Is(err, fault.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatal("incomplete submission must not reach the server")
	}
}

func TestSubmitUploadsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("category"); got != "plumber" {
			t.Errorf("category = %q", got)
		}
		for _, field := range []string{"citizenship", "service_cert", "experience_cert"} {
			if _, _, err := r.FormFile(field); err != nil {
				t.Errorf("missing file %s: %v", field, err)
			}
		}
		if _, _, err := r.FormFile("driving_license"); err == nil {
			t.Error("driving license was not submitted and must not appear")
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.SubmitDocuments(context.Background(), "w1", completeDocs()); err != nil {
		t.Fatal(err)
	}
}

func TestSubmitSurfacesServerRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unreadable document", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.SubmitDocuments(context.Background(), "w1", completeDocs()); err == nil {
		t.Fatal("expected error on 422")
	}
}
