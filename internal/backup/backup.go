// Package backup implements the vault's binary backup codec: a plain
// or password-encrypted snapshot of the raw database file, framed the
// way the vault's own crypto package frames everything else.
package backup

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jordanhubbard/secretsvault/internal/vcrypto"
)

const (
	framePlain     = 0x00
	frameEncrypted = 0x01

	backupSuffix = ".enc"
	filePerm     = 0o600
)

// ErrCorruptBackup is returned for any malformed or undecryptable
// backup file: wrong magic byte, truncated header, or a failed AEAD
// check.
var ErrCorruptBackup = errors.New("backup: corrupt or undecryptable backup file")

// Metadata is the JSON block embedded in every backup frame.
type Metadata struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	SecretsCount int       `json:"secrets_count"`
}

// BackupInfo pairs a backup file's path with its parsed metadata, as
// returned by ListBackups.
type BackupInfo struct {
	Path     string
	Metadata Metadata
}

// CreateBackup snapshots vaultPath's raw bytes into a new file under
// backupsDir. If password is non-empty the frame is encrypted under a
// key derived from it; otherwise it is written in the clear. Returns
// the path to the file written.
func CreateBackup(vaultPath, backupsDir, password string, secretsCount int) (string, error) {
	vaultBytes, err := os.ReadFile(vaultPath)
	if err != nil {
		return "", fmt.Errorf("backup: read vault file: %w", err)
	}

	meta := Metadata{Version: "1", CreatedAt: time.Now().UTC(), SecretsCount: secretsCount}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("backup: marshal metadata: %w", err)
	}

	var frame []byte
	if password == "" {
		frame, err = encodePlain(metaJSON, vaultBytes)
	} else {
		frame, err = encodeEncrypted(metaJSON, vaultBytes, password)
	}
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(backupsDir, 0o700); err != nil {
		return "", fmt.Errorf("backup: create backups directory: %w", err)
	}
	name := fmt.Sprintf("vault-backup-%d%s", time.Now().UTC().UnixNano(), backupSuffix)
	path := filepath.Join(backupsDir, name)
	if err := os.WriteFile(path, frame, filePerm); err != nil {
		return "", fmt.Errorf("backup: write backup file: %w", err)
	}
	return path, nil
}

func encodePlain(metaJSON, vaultBytes []byte) ([]byte, error) {
	out := make([]byte, 0, 1+4+len(metaJSON)+len(vaultBytes))
	out = append(out, framePlain)
	out = appendLenPrefixed(out, metaJSON)
	out = append(out, vaultBytes...)
	return out, nil
}

func encodeEncrypted(metaJSON, vaultBytes []byte, password string) ([]byte, error) {
	salt, err := vcrypto.GenerateSalt()
	if err != nil {
		return nil, err
	}
	key := vcrypto.DeriveMasterKey([]byte(password), salt)
	defer vcrypto.Zeroize(key)

	nonce, err := vcrypto.GenerateNonce()
	if err != nil {
		return nil, err
	}

	sealed, err := sealWithNonce(key, nonce, vaultBytes)
	if err != nil {
		return nil, err
	}
	tag := sealed[len(sealed)-vcrypto.TagLen:]
	ciphertext := sealed[:len(sealed)-vcrypto.TagLen]

	out := make([]byte, 0, 1+len(salt)+len(nonce)+len(tag)+4+len(metaJSON)+len(ciphertext))
	out = append(out, frameEncrypted)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = appendLenPrefixed(out, metaJSON)
	out = append(out, ciphertext...)
	return out, nil
}

func appendLenPrefixed(dst, data []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, data...)
}

// RestoreBackup reads the backup at backupPath, decrypting with
// password if the frame is encrypted, copies the current vault file
// aside into backupsDir as vault-pre-restore-<millis>.db if one
// exists, then writes the recovered bytes to vaultPath with 0600
// permissions.
func RestoreBackup(backupPath, vaultPath, backupsDir, password string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("backup: read backup file: %w", err)
	}
	if len(data) < 1 {
		return ErrCorruptBackup
	}

	var vaultBytes []byte
	switch data[0] {
	case framePlain:
		_, vaultBytes, err = decodePlain(data)
	case frameEncrypted:
		_, vaultBytes, err = decodeEncrypted(data, password)
	default:
		return ErrCorruptBackup
	}
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(vaultPath); statErr == nil {
		if err := os.MkdirAll(backupsDir, 0o700); err != nil {
			return fmt.Errorf("backup: create backups directory: %w", err)
		}
		preRestorePath := filepath.Join(backupsDir, fmt.Sprintf("vault-pre-restore-%d.db", time.Now().UTC().UnixMilli()))
		existing, err := os.ReadFile(vaultPath)
		if err != nil {
			return fmt.Errorf("backup: read current vault file: %w", err)
		}
		if err := os.WriteFile(preRestorePath, existing, filePerm); err != nil {
			return fmt.Errorf("backup: write pre-restore copy: %w", err)
		}
	}

	tmpPath := vaultPath + ".restoring"
	if err := os.WriteFile(tmpPath, vaultBytes, filePerm); err != nil {
		return fmt.Errorf("backup: write restored vault file: %w", err)
	}
	if err := os.Rename(tmpPath, vaultPath); err != nil {
		return fmt.Errorf("backup: finalize restored vault file: %w", err)
	}
	return nil
}

func decodePlain(data []byte) (Metadata, []byte, error) {
	if len(data) < 5 {
		return Metadata{}, nil, ErrCorruptBackup
	}
	metaLen := binary.BigEndian.Uint32(data[1:5])
	if uint64(len(data)) < uint64(5)+uint64(metaLen) {
		return Metadata{}, nil, ErrCorruptBackup
	}
	metaJSON := data[5 : 5+metaLen]
	vaultBytes := data[5+metaLen:]

	var meta Metadata
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return Metadata{}, nil, ErrCorruptBackup
	}
	return meta, vaultBytes, nil
}

// encryptedFrameHeader is the parsed, still-sealed shape of a
// frameEncrypted backup: salt/nonce/tag plus the metadata block, which
// per §4.6 sits in the clear ahead of the ciphertext and so needs no
// password to read.
type encryptedFrameHeader struct {
	salt, nonce, tag []byte
	metaJSON         []byte
	ciphertext       []byte
}

func parseEncryptedFrame(data []byte) (encryptedFrameHeader, error) {
	headerLen := 1 + vcrypto.SaltLen + vcrypto.NonceLen + vcrypto.TagLen + 4
	if len(data) < headerLen {
		return encryptedFrameHeader{}, ErrCorruptBackup
	}
	offset := 1
	salt := data[offset : offset+vcrypto.SaltLen]
	offset += vcrypto.SaltLen
	nonce := data[offset : offset+vcrypto.NonceLen]
	offset += vcrypto.NonceLen
	tag := data[offset : offset+vcrypto.TagLen]
	offset += vcrypto.TagLen
	metaLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	if uint64(len(data)) < uint64(offset)+uint64(metaLen) {
		return encryptedFrameHeader{}, ErrCorruptBackup
	}
	return encryptedFrameHeader{
		salt:       salt,
		nonce:      nonce,
		tag:        tag,
		metaJSON:   data[offset : offset+int(metaLen)],
		ciphertext: data[offset+int(metaLen):],
	}, nil
}

// encryptedMetadata parses just the cleartext metadata block of a
// frameEncrypted backup, without deriving a key or touching the
// ciphertext — so ListBackups can report accurate, sorted metadata for
// encrypted backups without ever being given their password.
func encryptedMetadata(data []byte) (Metadata, error) {
	header, err := parseEncryptedFrame(data)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := json.Unmarshal(header.metaJSON, &meta); err != nil {
		return Metadata{}, ErrCorruptBackup
	}
	return meta, nil
}

func decodeEncrypted(data []byte, password string) (Metadata, []byte, error) {
	header, err := parseEncryptedFrame(data)
	if err != nil {
		return Metadata{}, nil, err
	}

	key := vcrypto.DeriveMasterKey([]byte(password), header.salt)
	defer vcrypto.Zeroize(key)

	sealed := append(append([]byte{}, header.ciphertext...), header.tag...)
	plaintext, err := openWithNonce(key, header.nonce, sealed)
	if err != nil {
		return Metadata{}, nil, ErrCorruptBackup
	}

	var meta Metadata
	if err := json.Unmarshal(header.metaJSON, &meta); err != nil {
		return Metadata{}, nil, ErrCorruptBackup
	}
	return meta, plaintext, nil
}

// ListBackups enumerates every *.enc file in backupsDir and returns
// their parsed metadata, newest-first by created_at. Files that fail
// to parse (unreadable, wrong magic byte, truncated, malformed
// metadata) are silently skipped rather than aborting the whole
// listing. No password is needed or checked.
func ListBackups(backupsDir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: read backups directory: %w", err)
	}

	var out []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), backupSuffix) {
			continue
		}
		path := filepath.Join(backupsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil || len(data) < 1 {
			continue
		}
		var meta Metadata
		switch data[0] {
		case framePlain:
			meta, _, err = decodePlain(data)
		case frameEncrypted:
			// The metadata block precedes the ciphertext in the clear
			// (§4.6), so it reads without the backup password.
			meta, err = encryptedMetadata(data)
		default:
			continue
		}
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{Path: path, Metadata: meta})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.CreatedAt.After(out[j].Metadata.CreatedAt)
	})
	return out, nil
}

func sealWithNonce(key, nonce, plaintext []byte) ([]byte, error) {
	return vcrypto.SealWithNonce(key, nonce, plaintext)
}

func openWithNonce(key, nonce, sealed []byte) ([]byte, error) {
	return vcrypto.OpenWithNonce(key, nonce, sealed)
}
