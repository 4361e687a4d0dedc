package target

import (
	"context"
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		spec     string
		wantUser string
		wantHost string
		wantPort int
		wantConn string
		wantErr  bool
	}{
		{spec: "", wantHost: "localhost", wantConn: ConnectionLocal},
		{spec: "localhost", wantHost: "localhost", wantConn: ConnectionLocal},
		{spec: "web1", wantHost: "web1", wantConn: ConnectionSSH},
		{spec: "admin@web1", wantUser: "admin", wantHost: "web1", wantConn: ConnectionSSH},
		{spec: "admin@web1:2222", wantUser: "admin", wantHost: "web1", wantPort: 2222, wantConn: ConnectionSSH},
		{spec: "ssh://web1:22", wantHost: "web1", wantPort: 22, wantConn: ConnectionSSH},
		{spec: "root@ssh://10.0.0.5", wantUser: "root", wantHost: "10.0.0.5", wantConn: ConnectionSSH},
		{spec: "lxd://box", wantHost: "box", wantConn: ConnectionLXD},
		{spec: "[::1]:2200", wantHost: "::1", wantPort: 2200, wantConn: ConnectionSSH},
		{spec: "web1:notaport", wantErr: true},
		{spec: "ftp://web1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseWith(context.Background(), tt.spec, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error, got: %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got.User != tt.wantUser || got.Host != tt.wantHost || got.Port != tt.wantPort || got.ConnectionType != tt.wantConn {
				t.Errorf("Expected %s@%s:%d (%s), got: %+v", tt.wantUser, tt.wantHost, tt.wantPort, tt.wantConn, got)
			}
		})
	}
}

func TestParseVagrant(t *testing.T) {
	reader := func(_ context.Context, machine string) ([]byte, error) {
		if machine != "web" {
			return nil, errors.New("unknown machine")
		}
		return []byte(`Host web
  HostName 127.0.0.1
  User vagrant
  Port 2222
  IdentityFile "/home/u/.vagrant/machines/web/virtualbox/private_key"
`), nil
	}

	got, err := ParseWith(context.Background(), "vagrant:web", reader)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got.Host != "127.0.0.1" || got.User != "vagrant" || got.Port != 2222 {
		t.Errorf("Expected vagrant ssh settings, got: %+v", got)
	}
	if got.IdentityFile == "" {
		t.Error("Expected identity file to be set")
	}

	if _, err := ParseWith(context.Background(), "vagrant:db", reader); err == nil {
		t.Error("Expected error for unknown vagrant machine")
	}
}

func TestString(t *testing.T) {
	tgt, err := ParseWith(context.Background(), "admin@web1:2222", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if tgt.String() != "admin@web1:2222" {
		t.Errorf("Expected admin@web1:2222, got: %s", tgt.String())
	}
	if Localhost().String() != "localhost" {
		t.Errorf("Expected localhost, got: %s", Localhost().String())
	}
}
