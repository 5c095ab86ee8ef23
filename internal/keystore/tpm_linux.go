//go:build linux

// Hardware module discovery for Linux. A discrete TPM reached through
// /dev/tpm0 serves the StrongBox tier; the kernel resource manager at
// /dev/tpmrm0 serves the TEE tier.

package keystore

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

const (
	discreteTPMPath = "/dev/tpm0"
	managedTPMPath  = "/dev/tpmrm0"
)

// detectHardwareModules probes for usable TPM devices, most isolated first.
func detectHardwareModules() []hardwareModule {
	var modules []hardwareModule
	for _, cand := range []struct {
		path     string
		isolated bool
	}{
		{discreteTPMPath, true},
		{managedTPMPath, false},
	} {
		if _, err := os.Stat(cand.path); err != nil {
			continue
		}
		f, err := os.OpenFile(cand.path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		modules = append(modules, &tpmModule{devicePath: cand.path, isolated: cand.isolated})
	}
	return modules
}

// tpmModule implements hardwareModule over a TPM 2.0 device.
type tpmModule struct {
	devicePath string
	isolated   bool

	mu        sync.Mutex
	transport transport.TPMCloser
	isOpen    bool
}

func (t *tpmModule) Description() string {
	return "tpm2 " + t.devicePath
}

func (t *tpmModule) Isolated() bool { return t.isolated }

func (t *tpmModule) Available() bool {
	if t.devicePath == "" {
		return false
	}
	_, err := os.Stat(t.devicePath)
	return err == nil
}

func (t *tpmModule) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isOpen {
		return nil
	}
	tpmTransport, err := transport.OpenTPM(t.devicePath)
	if err != nil {
		return fmt.Errorf("keystore: open %s: %w", t.devicePath, err)
	}
	t.transport = tpmTransport
	t.isOpen = true
	return nil
}

func (t *tpmModule) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isOpen {
		return nil
	}
	err := t.transport.Close()
	t.transport = nil
	t.isOpen = false
	return err
}

// DeviceID hashes the endorsement key public area. The EK is burned in at
// manufacture, so the identifier is stable across owner clears.
func (t *tpmModule) DeviceID() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isOpen {
		return nil, errors.New("keystore: tpm not open")
	}

	createEKCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}
	rsp, err := createEKCmd.Execute(t.transport)
	if err != nil {
		return nil, fmt.Errorf("keystore: create EK: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}
		flushCmd.Execute(t.transport)
	}()

	pubBytes := tpm2.Marshal(rsp.OutPublic)
	hash := sha256.Sum256(pubBytes)
	return hash[:], nil
}

func (t *tpmModule) GenerateSecret(n int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isOpen {
		return nil, errors.New("keystore: tpm not open")
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		getRandCmd := tpm2.GetRandom{BytesRequested: uint16(n - len(out))}
		rsp, err := getRandCmd.Execute(t.transport)
		if err != nil {
			return nil, fmt.Errorf("keystore: GetRandom: %w", err)
		}
		if len(rsp.RandomBytes.Buffer) == 0 {
			return nil, errors.New("keystore: tpm returned no random bytes")
		}
		out = append(out, rsp.RandomBytes.Buffer...)
	}
	return out[:n], nil
}

// Seal wraps the secret in a keyed-hash object under the storage root key.
// Blob format: len(pub) || pub || len(priv) || priv.
func (t *tpmModule) Seal(secret []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isOpen {
		return nil, errors.New("keystore: tpm not open")
	}

	srkHandle, err := t.createStorageKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: create SRK: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: srkHandle}
		flushCmd.Execute(t.transport)
	}()

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srkHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: secret},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: true,
			},
		}),
	}

	createRsp, err := createCmd.Execute(t.transport)
	if err != nil {
		return nil, fmt.Errorf("keystore: Create failed: %w", err)
	}

	pubBytes := tpm2.Marshal(createRsp.OutPublic)
	privBytes := tpm2.Marshal(createRsp.OutPrivate)

	sealed := make([]byte, 4+len(pubBytes)+4+len(privBytes))
	binary.BigEndian.PutUint32(sealed[0:4], uint32(len(pubBytes)))
	copy(sealed[4:], pubBytes)
	offset := 4 + len(pubBytes)
	binary.BigEndian.PutUint32(sealed[offset:offset+4], uint32(len(privBytes)))
	copy(sealed[offset+4:], privBytes)
	return sealed, nil
}

func (t *tpmModule) Unseal(blob []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isOpen {
		return nil, errors.New("keystore: tpm not open")
	}

	if len(blob) < 8 {
		return nil, errors.New("keystore: sealed blob too short")
	}
	pubLen := binary.BigEndian.Uint32(blob[0:4])
	if len(blob) < int(4+pubLen+4) {
		return nil, errors.New("keystore: sealed blob corrupted")
	}
	pubBytes := blob[4 : 4+pubLen]
	offset := 4 + pubLen
	privLen := binary.BigEndian.Uint32(blob[offset : offset+4])
	if len(blob) < int(offset+4+privLen) {
		return nil, errors.New("keystore: sealed blob corrupted")
	}
	privBytes := blob[offset+4 : offset+4+privLen]

	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("keystore: unmarshal public: %w", err)
	}

	srkHandle, err := t.createStorageKey()
	if err != nil {
		return nil, fmt.Errorf("keystore: create SRK: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: srkHandle}
		flushCmd.Execute(t.transport)
	}()

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srkHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: tpm2.TPM2BPrivate{Buffer: privBytes},
	}
	loadRsp, err := loadCmd.Execute(t.transport)
	if err != nil {
		return nil, fmt.Errorf("keystore: Load failed: %w", err)
	}
	defer func() {
		flushCmd := tpm2.FlushContext{FlushHandle: loadRsp.ObjectHandle}
		flushCmd.Execute(t.transport)
	}()

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
	}
	unsealRsp, err := unsealCmd.Execute(t.transport)
	if err != nil {
		return nil, fmt.Errorf("keystore: Unseal failed: %w", err)
	}
	return unsealRsp.OutData.Buffer, nil
}

func (t *tpmModule) createStorageKey() (tpm2.TPMHandle, error) {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Restricted:          true,
				Decrypt:             true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgECC,
				&tpm2.TPMSECCParms{
					CurveID: tpm2.TPMECCNistP256,
					Scheme: tpm2.TPMTECCScheme{
						Scheme: tpm2.TPMAlgNull,
					},
				},
			),
		}),
	}
	rsp, err := createPrimaryCmd.Execute(t.transport)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

var _ hardwareModule = (*tpmModule)(nil)
