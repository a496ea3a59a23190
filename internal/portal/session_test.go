package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parkpass/permitd/internal/permit"
)

func newTestFactory(t *testing.T, handler http.Handler) (*Factory, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	factory := NewFactory(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
	return factory, srv
}

func TestSessionCookiesPersistAcrossCalls(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/first", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc123", Path: "/"})
		fmt.Fprint(w, `<html><body><form action="/second" method="post"></form></body></html>`)
	})
	mux.HandleFunc("/second", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("JSESSIONID")
		if err != nil || cookie.Value != "abc123" {
			http.Error(w, "missing session cookie", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `<html><body>ok</body></html>`)
	})
	factory, srv := newTestFactory(t, mux)

	session, err := factory.NewSession()
	require.NoError(t, err)
	defer session.Close()

	page, err := session.Fetch(context.Background(), srv.URL+"/first")
	require.NoError(t, err)
	require.True(t, page.Form.Present())

	next, err := session.Fetch(context.Background(), srv.URL+"/second")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, next.StatusCode)
}

func TestSessionSubmitMergesOverrides(t *testing.T) {
	t.Parallel()

	var gotAccount, gotHidden string
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotAccount = r.PostFormValue("accountNo")
		gotHidden = r.PostFormValue("clientcode")
		fmt.Fprint(w, `<html><body>accepted</body></html>`)
	})
	factory, srv := newTestFactory(t, mux)

	session, err := factory.NewSession()
	require.NoError(t, err)
	defer session.Close()

	form := permit.Form{
		Action: srv.URL + "/submit",
		Method: "POST",
		Fields: map[string]string{"clientcode": "19", "accountNo": ""},
	}
	_, err = session.Submit(context.Background(), form, map[string]string{"accountNo": "12345"})
	require.NoError(t, err)
	require.Equal(t, "12345", gotAccount)
	require.Equal(t, "19", gotHidden)
}

func TestSessionSubmitSurfacesRejectionWithPage(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>Please Enter Valid Captcha Text
<form action="/submit" method="post"><input type="hidden" name="token" value="fresh"></form>
<img id="captchaImg" src="/captcha?n=2">
</body></html>`)
	})
	factory, srv := newTestFactory(t, mux)

	session, err := factory.NewSession()
	require.NoError(t, err)
	defer session.Close()

	form := permit.Form{Action: srv.URL + "/submit", Method: "POST", Fields: map[string]string{}}
	page, err := session.Submit(context.Background(), form, map[string]string{"captchaSText": "00000"})
	require.Error(t, err)
	require.True(t, permit.IsCaptchaRejection(err))
	// The rejected response still carries the refreshed form and challenge.
	require.True(t, page.Form.Present())
	require.Equal(t, "fresh", page.Form.Fields["token"])
	require.Contains(t, page.CaptchaURL, "/captcha?n=2")
}

func TestSessionFetchAsset(t *testing.T) {
	t.Parallel()

	payload := []byte{0x89, 0x50, 0x4e, 0x47}
	mux := http.NewServeMux()
	mux.HandleFunc("/captcha", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	})
	factory, srv := newTestFactory(t, mux)

	session, err := factory.NewSession()
	require.NoError(t, err)
	defer session.Close()

	got, err := session.FetchAsset(context.Background(), srv.URL+"/captcha")
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestSessionFetchWrapsTransportFailure(t *testing.T) {
	t.Parallel()

	factory := NewFactory(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)
	session, err := factory.NewSession()
	require.NoError(t, err)
	defer session.Close()

	_, err = session.Fetch(context.Background(), "http://127.0.0.1:1/nope")
	require.Error(t, err)
	require.True(t, permit.IsNetworkError(err))
}

func TestSessionClosedRejectsCalls(t *testing.T) {
	t.Parallel()

	factory, srv := newTestFactory(t, http.NewServeMux())
	session, err := factory.NewSession()
	require.NoError(t, err)
	session.Close()

	_, err = session.Fetch(context.Background(), srv.URL+"/any")
	require.Error(t, err)
}

func TestFactoryIntakeURL(t *testing.T) {
	t.Parallel()

	factory := NewFactory(Config{BaseURL: "https://wmq.etimspayments.com/"}, nil)
	require.Equal(t,
		"https://wmq.etimspayments.com/pbw/include/santamonica/rppguestinput.jsp",
		factory.IntakeURL())
}
