package provisionkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/tyler-james-bridges/provisionkey/internal/crypto"
	"github.com/tyler-james-bridges/provisionkey/internal/debug"
	"github.com/tyler-james-bridges/provisionkey/internal/misc"
	"github.com/tyler-james-bridges/provisionkey/persist"
)

// loadDocument decrypts the stored document with the key in enclave. A missing
// record yields an empty document; an undecryptable one is an error.
func (v *Vault) loadDocument(enclave *memguard.Enclave) (*Document, error) {
	stored, err := v.store.LoadDocument()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return newDocument(), nil
		}
		return nil, fmt.Errorf("failed to load vault document: %w", err)
	}

	plaintext, err := decryptWithEnclave(string(stored.Data), enclave)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(plaintext)

	return parseDocument(plaintext)
}

func parseDocument(plaintext []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, fmt.Errorf("%w: vault document is not valid JSON", ErrDecryption)
	}
	if doc.Version == 0 {
		doc.Version = misc.DocumentVersion
	}
	if doc.Version > misc.DocumentVersion {
		return nil, fmt.Errorf("unsupported vault document version %d", doc.Version)
	}
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}
	return &doc, nil
}

// saveDocument serializes, encrypts and persists doc under the key in enclave
func (v *Vault) saveDocument(doc *Document, enclave *memguard.Enclave) error {
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}
	if doc.Version == 0 {
		doc.Version = misc.DocumentVersion
	}

	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize vault document: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	token, err := encryptWithEnclave(plaintext, enclave)
	if err != nil {
		return err
	}

	debug.Print("saveDocument: %d entries, token length %d\n", len(doc.Entries), len(token))

	if err = v.saveDocumentWithRetry([]byte(token)); err != nil {
		return fmt.Errorf("failed to save vault document: %w", err)
	}
	return nil
}

func encryptWithEnclave(plaintext []byte, enclave *memguard.Enclave) (string, error) {
	keyBuffer, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer keyBuffer.Destroy()

	return crypto.Encrypt(plaintext, keyBuffer.Bytes())
}

func decryptWithEnclave(token string, enclave *memguard.Enclave) ([]byte, error) {
	keyBuffer, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer keyBuffer.Destroy()

	return crypto.Decrypt(token, keyBuffer.Bytes())
}

// GetVaultData returns a copy of the decrypted vault document
func (v *Vault) GetVaultData() (*Document, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}
	return v.loadDocument(v.keyEnclave)
}

// SaveVaultData replaces the whole vault document
func (v *Vault) SaveVaultData(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("document cannot be nil")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return err
	}
	for _, e := range doc.Entries {
		if err := validateEntryInput(EntryInput{Name: e.Name, Type: e.Type, Fields: e.Fields}); err != nil {
			return fmt.Errorf("entry %s: %w", e.ID, err)
		}
	}

	err := v.saveDocument(doc.clone(), v.keyEnclave)
	v.logAudit(requestID, "VAULT_DATA_SAVED", err, map[string]interface{}{
		"entry_count": len(doc.Entries),
	})
	return err
}

// GetEntry returns the entry with the given id
func (v *Vault) GetEntry(id string) (*Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}
	doc, err := v.loadDocument(v.keyEnclave)
	if err != nil {
		return nil, err
	}
	entry, ok := doc.Entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entry, nil
}

// AddEntry appends a new entry and persists the document
func (v *Vault) AddEntry(in EntryInput) (*Entry, error) {
	if err := validateEntryInput(in); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	doc, err := v.loadDocument(v.keyEnclave)
	if err != nil {
		v.logAudit(requestID, "ENTRY_ADD_FAILED", err, nil)
		return nil, err
	}

	now := v.now()
	entry := Entry{
		ID:        v.nextEntryID(doc),
		Name:      strings.TrimSpace(in.Name),
		Type:      in.Type,
		Fields:    copyFields(in.Fields),
		Notes:     in.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	doc.Entries = append(doc.Entries, entry)

	if err = v.saveDocument(doc, v.keyEnclave); err != nil {
		v.logAudit(requestID, "ENTRY_ADD_FAILED", err, nil)
		return nil, err
	}

	v.logAudit(requestID, "ENTRY_ADDED", nil, map[string]interface{}{
		"entry_id":    entry.ID,
		"entry_type":  string(entry.Type),
		"field_count": len(entry.Fields),
	})
	return &entry, nil
}

// UpdateEntry replaces the editable part of an existing entry
func (v *Vault) UpdateEntry(id string, in EntryInput) (*Entry, error) {
	if err := validateEntryInput(in); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return nil, err
	}

	doc, err := v.loadDocument(v.keyEnclave)
	if err != nil {
		return nil, err
	}

	entry, ok := doc.Entry(id)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		v.logAudit(requestID, "ENTRY_UPDATE_FAILED", err, map[string]interface{}{"entry_id": id})
		return nil, err
	}

	entry.Name = strings.TrimSpace(in.Name)
	entry.Type = in.Type
	entry.Fields = copyFields(in.Fields)
	entry.Notes = in.Notes
	entry.UpdatedAt = v.now()
	updated := *entry

	if err = v.saveDocument(doc, v.keyEnclave); err != nil {
		v.logAudit(requestID, "ENTRY_UPDATE_FAILED", err, map[string]interface{}{"entry_id": id})
		return nil, err
	}

	v.logAudit(requestID, "ENTRY_UPDATED", nil, map[string]interface{}{"entry_id": id})
	return &updated, nil
}

// DeleteEntry removes the entry with the given id. Unknown ids are ignored.
func (v *Vault) DeleteEntry(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	requestID := v.newRequestID()

	if err := v.requireUnlocked(); err != nil {
		return err
	}

	doc, err := v.loadDocument(v.keyEnclave)
	if err != nil {
		return err
	}

	kept := doc.Entries[:0]
	for _, e := range doc.Entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(doc.Entries) {
		v.logger.Debug().Str("entry_id", id).Msg("delete of unknown entry ignored")
		return nil
	}
	doc.Entries = kept

	err = v.saveDocument(doc, v.keyEnclave)
	v.logAudit(requestID, "ENTRY_DELETED", err, map[string]interface{}{"entry_id": id})
	return err
}

// nextEntryID derives the id from the creation time in milliseconds and
// appends a counter when that id is already taken
func (v *Vault) nextEntryID(doc *Document) string {
	base := strconv.FormatInt(v.now().UnixMilli(), 10)
	id := base
	for n := 1; ; n++ {
		if _, taken := doc.Entry(id); !taken {
			return id
		}
		id = base + "-" + strconv.Itoa(n)
	}
}

func copyFields(fields []Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		f.Label = strings.TrimSpace(f.Label)
		out[i] = f
	}
	return out
}
