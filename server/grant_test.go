package server

import (
	"net/url"
	"reflect"
	"testing"
)

func TestParseGrant(t *testing.T) {
	tests := []struct {
		name    string
		form    url.Values
		want    Grant
		wantErr string
	}{
		{
			name: "authorization code",
			form: url.Values{
				"grant_type":    {"authorization_code"},
				"code":          {"c"},
				"redirect_uri":  {"https://app.example/cb"},
				"code_verifier": {"v"},
			},
			want: AuthorizationCodeGrant{
				Code:         "c",
				RedirectURI:  "https://app.example/cb",
				CodeVerifier: "v",
			},
		},
		{
			name:    "authorization code without code",
			form:    url.Values{"grant_type": {"authorization_code"}},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "refresh token",
			form: url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {"r"},
				"scope":         {"openid email"},
			},
			want: RefreshTokenGrant{RefreshToken: "r", Scope: []string{"openid", "email"}},
		},
		{
			name:    "refresh token without token",
			form:    url.Values{"grant_type": {"refresh_token"}},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "client credentials with resources",
			form: url.Values{
				"grant_type": {"client_credentials"},
				"scope":      {"api"},
				"resource":   {"https://a.example", "https://b.example"},
			},
			want: ClientCredentialsGrant{
				Scope:    []string{"api"},
				Resource: []string{"https://a.example", "https://b.example"},
			},
		},
		{
			name: "jwt bearer",
			form: url.Values{"grant_type": {GrantTypeJWTBearer}, "assertion": {"a"}},
			want: JWTBearerGrant{Assertion: "a"},
		},
		{
			name:    "jwt bearer without assertion",
			form:    url.Values{"grant_type": {GrantTypeJWTBearer}},
			wantErr: ErrInvalidRequest,
		},
		{
			name: "session",
			form: url.Values{"grant_type": {"session"}, "session": {"s"}},
			want: SessionGrant{Session: "s"},
		},
		{
			name:    "session without session",
			form:    url.Values{"grant_type": {"session"}},
			wantErr: ErrInvalidRequest,
		},
		{
			name:    "unknown grant type",
			form:    url.Values{"grant_type": {"device_code"}},
			wantErr: ErrUnsupportedGrantType,
		},
		{
			name:    "missing grant type",
			form:    url.Values{},
			wantErr: ErrInvalidRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grant, err := ParseGrant(tt.form)
			if tt.wantErr != "" {
				assertProtocolError(t, err, tt.wantErr)
				return
			}
			if err != nil {
				t.Fatalf("ParseGrant: %v", err)
			}
			if !reflect.DeepEqual(grant, tt.want) {
				t.Errorf("grant = %#v, want %#v", grant, tt.want)
			}
		})
	}
}
