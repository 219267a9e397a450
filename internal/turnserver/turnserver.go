// Package turnserver embeds a TURN relay so call media can traverse NATs
// that defeat direct ICE. Sessions and the /api/turn-config endpoint get
// their ICE server list from here.
package turnserver

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
	"github.com/pion/webrtc/v4"
)

// Server wraps the embedded pion TURN server and its static credentials.
type Server struct {
	server   *turn.Server
	username string
	password string
	port     int

	logger *slog.Logger
}

// Credentials are the static long-term credentials handed to clients.
type Credentials struct {
	Username string
	Password string
}

// Initialize starts a TURN server on the given UDP port.
func Initialize(port int, realm string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("turnserver: udp listener: %w", err)
	}

	creds := loadOrGenerateCredentials(logger)

	relayIP := publicIP(logger)
	if relayIP == nil {
		relayIP = localIP(logger)
	}
	logger.Info("turn relay address resolved", "ip", relayIP.String())

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("turnserver: start: %w", err)
	}

	logger.Info("turn server listening", "port", port, "realm", realm)

	return &Server{
		server:   s,
		username: creds.Username,
		password: creds.Password,
		port:     port,
		logger:   logger,
	}, nil
}

// GetCredentials returns the static credentials for client handout.
func (s *Server) GetCredentials() Credentials {
	return Credentials{Username: s.username, Password: s.password}
}

// ICEServers builds the client-side ICE server list: a public STUN server
// plus this TURN relay reachable at host.
func (s *Server) ICEServers(host string) []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs:       []string{fmt.Sprintf("turn:%s:%d", host, s.port)},
			Username:   s.username,
			Credential: s.password,
		},
	}
}

// Close shuts the relay down.
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(expectedUsername, expectedPassword string) turn.AuthHandler {
	return func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, expectedPassword), true
		}
		return nil, false
	}
}

// loadOrGenerateCredentials reuses credentials persisted next to the binary
// so clients keep working across restarts.
func loadOrGenerateCredentials(logger *slog.Logger) Credentials {
	keysDir := keysDirectory()
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{Username: string(usernameData), Password: string(passwordData)}
		}
	}

	username := "pawcall"
	password := generatePassword()

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		_ = os.WriteFile(usernameFile, []byte(username), 0600)
		_ = os.WriteFile(passwordFile, []byte(password), 0600)
		logger.Info("turn credentials saved", "dir", keysDir)
	}

	return Credentials{Username: username, Password: password}
}

func keysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func generatePassword() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

// publicIP asks ipify for the address the relay is reachable at. Returns
// nil when the probe fails; callers fall back to the local address.
func publicIP(logger *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Warn("public ip probe failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Warn("public ip probe status", "status", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn("public ip probe read", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn("public ip probe returned garbage")
		return nil
	}
	return ip
}

func localIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Warn("local ip detection failed", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
