// Package wireguard manages the VPN remote-access subsystem: per-client
// identities (key pair, allocated address, rendered peer config) stored in a
// directory tree, and regeneration of the server-side peer list. The tunnel
// binary itself is an external collaborator.
package wireguard

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

var (
	// ErrClientExists indicates an add for a name that is already provisioned.
	ErrClientExists = errors.New("vpn client already exists")
	// ErrClientNotFound indicates an operation on an unknown client.
	ErrClientNotFound = errors.New("vpn client not found")
)

var clientNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

const (
	clientsDirName  = "clients"
	archiveDirName  = "archive"
	serverDirName   = "server"
	serverConfName  = "wg0.conf"
	privateKeyFile  = "privatekey"
	publicKeyFile   = "publickey"
	addressFile     = "address"
	createdFile     = "created"
	clientConfFile  = "client.conf"
	clientQRFile    = "client.png"
	timestampLayout = "2006-01-02T15:04:05Z"
)

// ClientRecord describes one provisioned VPN client.
type ClientRecord struct {
	Name      string
	Address   netip.Addr
	PublicKey string
	CreatedAt time.Time
}

// Options configure a Manager.
type Options struct {
	// Dir is the VPN data directory (clients/, server/, wg0.conf).
	Dir string
	// Subnet is the client address pool; the server holds the first host.
	Subnet netip.Prefix
	// EndpointHost is the public host clients dial.
	EndpointHost string
	ListenPort   int
	DNS          string
}

// Manager owns the client directory and server config rendering. Callers
// must serialize Add against concurrent adds (the orchestrator's advisory
// lock does this); the lowest-free-address scan is read-then-write.
type Manager struct {
	opts   Options
	logger *zap.Logger
}

// NewManager creates a Manager. The directory is created lazily.
func NewManager(opts Options, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("vpn directory is required")
	}
	if !opts.Subnet.IsValid() || !opts.Subnet.Addr().Is4() {
		return nil, fmt.Errorf("valid IPv4 vpn subnet is required")
	}
	if opts.ListenPort <= 0 {
		opts.ListenPort = 51820
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{opts: opts, logger: logger}, nil
}

func (m *Manager) clientsDir() string { return filepath.Join(m.opts.Dir, clientsDirName) }
func (m *Manager) serverDir() string  { return filepath.Join(m.opts.Dir, serverDirName) }

// ValidateClientName checks a client name for directory safety.
func ValidateClientName(name string) error {
	if !clientNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid client name %q", name)
	}
	return nil
}

// AddClient provisions a new client: allocates the lowest free address,
// generates a key pair, renders the peer config and QR code, and regenerates
// the server peer list.
func (m *Manager) AddClient(name string) (*ClientRecord, error) {
	if err := ValidateClientName(name); err != nil {
		return nil, err
	}
	clientDir := filepath.Join(m.clientsDir(), name)
	if _, err := os.Stat(clientDir); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrClientExists, name)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	existing, err := m.ListClients()
	if err != nil {
		return nil, err
	}
	allocated := make([]netip.Addr, 0, len(existing))
	for _, record := range existing {
		allocated = append(allocated, record.Address)
	}
	addr, err := lowestFreeAddr(m.opts.Subnet, allocated)
	if err != nil {
		return nil, err
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	serverKeys, err := m.ensureServerKeys()
	if err != nil {
		return nil, err
	}

	record := &ClientRecord{
		Name:      name,
		Address:   addr,
		PublicKey: keys.PublicKey,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.writeClient(clientDir, record, keys, serverKeys.PublicKey); err != nil {
		// Leave no partial client behind; a later add must rescan cleanly.
		_ = os.RemoveAll(clientDir)
		return nil, err
	}
	if err := m.RegenerateServerConfig(); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteClient archives the client directory (timestamped, keeping a backup
// rather than destroying keys) and regenerates the server peer list.
func (m *Manager) DeleteClient(name string) error {
	if err := ValidateClientName(name); err != nil {
		return err
	}
	clientDir := filepath.Join(m.clientsDir(), name)
	if _, err := os.Stat(clientDir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrClientNotFound, name)
	} else if err != nil {
		return err
	}

	archiveDir := filepath.Join(m.opts.Dir, archiveDirName)
	if err := os.MkdirAll(archiveDir, 0o700); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	if err := os.Rename(clientDir, filepath.Join(archiveDir, name+"-"+stamp)); err != nil {
		return fmt.Errorf("archive client %s: %w", name, err)
	}
	return m.RegenerateServerConfig()
}

// ListClients enumerates provisioned clients sorted by name. A client
// directory with an unparsable address is skipped with a warning so one
// damaged record cannot block the subsystem.
func (m *Manager) ListClients() ([]*ClientRecord, error) {
	entries, err := os.ReadDir(m.clientsDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []*ClientRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := m.readClient(entry.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable vpn client",
				zap.String("client", entry.Name()), zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// ResetServerKeys rotates the server key pair and re-renders every
// provisioned client's peer config against the new public key.
func (m *Manager) ResetServerKeys() error {
	keys, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := m.writeServerKeys(keys); err != nil {
		return err
	}

	records, err := m.ListClients()
	if err != nil {
		return err
	}
	for _, record := range records {
		clientDir := filepath.Join(m.clientsDir(), record.Name)
		privateKey, err := os.ReadFile(filepath.Join(clientDir, privateKeyFile))
		if err != nil {
			m.logger.Warn("client private key missing during key reset; skipping",
				zap.String("client", record.Name), zap.Error(err))
			continue
		}
		conf := m.renderClientConfig(strings.TrimSpace(string(privateKey)), record.Address, keys.PublicKey)
		if err := writeFileAtomic(filepath.Join(clientDir, clientConfFile), []byte(conf), 0o600); err != nil {
			return fmt.Errorf("rewrite config for %s: %w", record.Name, err)
		}
		if err := m.writeQR(clientDir, conf); err != nil {
			m.logger.Warn("qr regeneration failed", zap.String("client", record.Name), zap.Error(err))
		}
	}
	return m.RegenerateServerConfig()
}

// RegenerateServerConfig rewrites the server config enumerating every
// currently provisioned client. A client with a missing public key is
// skipped with a warning, not an abort.
func (m *Manager) RegenerateServerConfig() error {
	serverKeys, err := m.ensureServerKeys()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(m.clientsDir())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	type peer struct {
		name      string
		publicKey string
		address   netip.Addr
	}
	var peers []peer
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		clientDir := filepath.Join(m.clientsDir(), name)
		publicKey, err := os.ReadFile(filepath.Join(clientDir, publicKeyFile))
		if err != nil {
			m.logger.Warn("client public key missing; peer omitted from server config",
				zap.String("client", name), zap.Error(err))
			continue
		}
		record, err := m.readClient(name)
		if err != nil {
			m.logger.Warn("client record unreadable; peer omitted from server config",
				zap.String("client", name), zap.Error(err))
			continue
		}
		peers = append(peers, peer{
			name:      name,
			publicKey: strings.TrimSpace(string(publicKey)),
			address:   record.Address,
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].name < peers[j].name })

	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "Address = %s/%d\n", ServerAddr(m.opts.Subnet), m.opts.Subnet.Bits())
	fmt.Fprintf(&b, "ListenPort = %d\n", m.opts.ListenPort)
	fmt.Fprintf(&b, "PrivateKey = %s\n", serverKeys.PrivateKey)
	for _, p := range peers {
		fmt.Fprintf(&b, "\n# %s\n[Peer]\n", p.name)
		fmt.Fprintf(&b, "PublicKey = %s\n", p.publicKey)
		fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.address)
	}

	if err := os.MkdirAll(m.opts.Dir, 0o700); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.opts.Dir, serverConfName), []byte(b.String()), 0o600)
}

// ClientConfigPath returns the rendered peer config path for a client.
func (m *Manager) ClientConfigPath(name string) (string, error) {
	if err := ValidateClientName(name); err != nil {
		return "", err
	}
	path := filepath.Join(m.clientsDir(), name, clientConfFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrClientNotFound, name)
	} else if err != nil {
		return "", err
	}
	return path, nil
}

func (m *Manager) readClient(name string) (*ClientRecord, error) {
	clientDir := filepath.Join(m.clientsDir(), name)

	addrRaw, err := os.ReadFile(filepath.Join(clientDir, addressFile))
	if err != nil {
		return nil, err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(string(addrRaw)))
	if err != nil {
		return nil, fmt.Errorf("client %s: bad address: %w", name, err)
	}

	record := &ClientRecord{Name: name, Address: addr}
	if publicKey, err := os.ReadFile(filepath.Join(clientDir, publicKeyFile)); err == nil {
		record.PublicKey = strings.TrimSpace(string(publicKey))
	}
	if created, err := os.ReadFile(filepath.Join(clientDir, createdFile)); err == nil {
		if ts, err := time.Parse(timestampLayout, strings.TrimSpace(string(created))); err == nil {
			record.CreatedAt = ts
		}
	}
	return record, nil
}

func (m *Manager) writeClient(clientDir string, record *ClientRecord, keys KeyPair, serverPublicKey string) error {
	if err := os.MkdirAll(clientDir, 0o700); err != nil {
		return err
	}
	files := map[string]string{
		privateKeyFile: keys.PrivateKey + "\n",
		publicKeyFile:  keys.PublicKey + "\n",
		addressFile:    record.Address.String() + "\n",
		createdFile:    record.CreatedAt.Format(timestampLayout) + "\n",
		clientConfFile: m.renderClientConfig(keys.PrivateKey, record.Address, serverPublicKey),
	}
	for name, contents := range files {
		if err := writeFileAtomic(filepath.Join(clientDir, name), []byte(contents), 0o600); err != nil {
			return fmt.Errorf("write %s for %s: %w", name, record.Name, err)
		}
	}
	if err := m.writeQR(clientDir, files[clientConfFile]); err != nil {
		// The QR image is a convenience for mobile import, not a record.
		m.logger.Warn("qr generation failed", zap.String("client", record.Name), zap.Error(err))
	}
	return nil
}

func (m *Manager) renderClientConfig(privateKey string, addr netip.Addr, serverPublicKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", privateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", addr)
	if m.opts.DNS != "" {
		fmt.Fprintf(&b, "DNS = %s\n", m.opts.DNS)
	}
	fmt.Fprintf(&b, "\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", serverPublicKey)
	fmt.Fprintf(&b, "Endpoint = %s:%d\n", m.opts.EndpointHost, m.opts.ListenPort)
	fmt.Fprintf(&b, "AllowedIPs = 0.0.0.0/0, ::/0\n")
	fmt.Fprintf(&b, "PersistentKeepalive = 25\n")
	return b.String()
}

func (m *Manager) writeQR(clientDir, conf string) error {
	return qrcode.WriteFile(conf, qrcode.Medium, 512, filepath.Join(clientDir, clientQRFile))
}

func (m *Manager) ensureServerKeys() (KeyPair, error) {
	privPath := filepath.Join(m.serverDir(), privateKeyFile)
	raw, err := os.ReadFile(privPath)
	if err == nil {
		privateKey := strings.TrimSpace(string(raw))
		publicKey, derr := PublicFromPrivate(privateKey)
		if derr == nil {
			return KeyPair{PrivateKey: privateKey, PublicKey: publicKey}, nil
		}
		m.logger.Warn("stored server key invalid; rotating", zap.Error(derr))
	} else if !errors.Is(err, os.ErrNotExist) {
		return KeyPair{}, err
	}

	keys, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := m.writeServerKeys(keys); err != nil {
		return KeyPair{}, err
	}
	return keys, nil
}

func (m *Manager) writeServerKeys(keys KeyPair) error {
	if err := os.MkdirAll(m.serverDir(), 0o700); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(m.serverDir(), privateKeyFile), []byte(keys.PrivateKey+"\n"), 0o600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.serverDir(), publicKeyFile), []byte(keys.PublicKey+"\n"), 0o600)
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, mode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
