package sesile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccount(newVersion bool) Account {
	return Account{Token: "tok", Secret: "sec", Siren: "123456789", NewVersion: newVersion}
}

func TestCreateClasseurSendsCredentials(t *testing.T) {
	var gotToken, gotSecret string
	var gotReq ClasseurRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("token")
		gotSecret = r.Header.Get("secret")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(Classeur{ID: 99})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http://unused.invalid")
	classeur, err := client.CreateClasseur(context.Background(), testAccount(false), ClasseurRequest{
		Name:       "Bordereau 42",
		Validation: "04/09/2026",
		Type:       1,
	})
	require.NoError(t, err)

	assert.Equal(t, 99, classeur.ID)
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "sec", gotSecret)
	assert.Empty(t, gotReq.Siren, "siren is only sent on the newer generation")
}

func TestCreateClasseurNewVersionAddsSiren(t *testing.T) {
	var gotReq ClasseurRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(Classeur{ID: 1})
	}))
	defer srv.Close()

	client := NewClient("http://unused.invalid", srv.URL)
	_, err := client.CreateClasseur(context.Background(), testAccount(true), ClasseurRequest{Name: "x"})
	require.NoError(t, err)

	assert.Equal(t, "123456789", gotReq.Siren)
}

func TestGetClasseurFallsBackOnForbidden(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer primary.Close()

	var fallbackHits int
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits++
		json.NewEncoder(w).Encode(Classeur{ID: 7, Status: StatusWithdrawn})
	}))
	defer fallback.Close()

	client := NewClient(primary.URL, fallback.URL)
	classeur, err := client.GetClasseur(context.Background(), testAccount(false), 7)
	require.NoError(t, err)

	assert.Equal(t, 1, fallbackHits)
	assert.Equal(t, StatusWithdrawn, classeur.Status)

	withdrawn, err := client.ClasseurWithdrawn(context.Background(), testAccount(false), 7)
	require.NoError(t, err)
	assert.True(t, withdrawn)
}

func TestGetClasseurNoFallbackOnOtherErrors(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	var fallbackHits int
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits++
	}))
	defer fallback.Close()

	client := NewClient(primary.URL, fallback.URL)
	_, err := client.GetClasseur(context.Background(), testAccount(false), 7)
	assert.Error(t, err)
	assert.Zero(t, fallbackHits)
}

func TestAddFileUploadsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "flux.xml", r.FormValue("name"))
		assert.Equal(t, "flux.xml", r.FormValue("filename"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "flux.xml", header.Filename)

		assert.Equal(t, "/api/classeur/12/newDocuments", r.URL.Path)
		json.NewEncoder(w).Encode(Document{ID: 34, Name: "flux.xml"})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http://unused.invalid")
	document, err := client.AddFile(context.Background(), testAccount(false), 12, "flux.xml", []byte("<PES_Aller/>"))
	require.NoError(t, err)
	assert.Equal(t, 34, document.ID)
}

func TestDocumentSigned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/document/5", r.URL.Path)
		json.NewEncoder(w).Encode(Document{ID: 5, Signed: true})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http://unused.invalid")
	signed, err := client.DocumentSigned(context.Background(), testAccount(false), 5)
	require.NoError(t, err)
	assert.True(t, signed)
}

func TestDocumentContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/document/5/content", r.URL.Path)
		w.Write([]byte("<PES_Aller signed/>"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http://unused.invalid")
	content, err := client.DocumentContent(context.Background(), testAccount(false), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("<PES_Aller signed/>"), content)
}

func TestServiceOrganisationsResolvesTypes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/services/agent@ville.fr":
			json.NewEncoder(w).Encode([]ServiceOrganisation{
				{ID: 1, Nom: "Circuit Helios", TypeClasseur: []int{2}},
				{ID: 2, Nom: "Circuit RH", TypeClasseur: []int{3}},
			})
		case "/api/classeur/types/":
			json.NewEncoder(w).Encode([]ClasseurType{
				{ID: 2, Nom: "Helios"},
				{ID: 3, Nom: "Courrier"},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "http://unused.invalid")
	helios, err := client.HeliosServiceOrganisations(context.Background(), testAccount(false), "agent@ville.fr")
	require.NoError(t, err)

	require.Len(t, helios, 1)
	assert.Equal(t, "Circuit Helios", helios[0].Nom)
}

func TestValidationDeadline(t *testing.T) {
	now := time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)
	client := NewClient("http://a.invalid", "http://b.invalid", WithClock(func() time.Time { return now }))

	t.Run("nil limit uses configured days", func(t *testing.T) {
		assert.Equal(t, "06/09/2026", client.ValidationDeadline(nil, 5))
	})

	t.Run("nil limit and no configuration uses default", func(t *testing.T) {
		assert.Equal(t, "04/09/2026", client.ValidationDeadline(nil, 0))
	})

	t.Run("explicit future limit passes through", func(t *testing.T) {
		limit := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, "15/10/2026", client.ValidationDeadline(&limit, 5))
	})

	t.Run("past limit is clamped forward", func(t *testing.T) {
		limit := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, "04/09/2026", client.ValidationDeadline(&limit, 5))
	})
}
