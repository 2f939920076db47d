package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blitedb/blite/codec"
	"github.com/blitedb/blite/engine"
	"github.com/blitedb/blite/fault"
)

// UsersCollection is the system-database collection holding user records.
const UsersCollection = "_users"

// RootUser is the bootstrap user. It holds every permission and cannot be
// revoked.
const RootUser = "root"

// User is one identity. The plaintext API key is never stored; KeyHash is
// the hex SHA-256 of the minted key.
type User struct {
	Name         string
	Active       bool
	CreatedAt    time.Time
	Perms        []PermEntry
	Namespace    string
	RestrictedDB *string
	KeyHash      string
}

// Store persists users in the system engine and indexes them by key hash.
type Store struct {
	sys *engine.Engine

	mu     sync.RWMutex
	byName map[string]*User
	byHash map[string]string // key hash → user name
}

// OpenStore loads users from the system engine, bootstrapping the root
// user at first start. The root key, when freshly minted, is logged once
// and never recoverable again.
func OpenStore(sys *engine.Engine) (*Store, error) {
	var s = &Store{
		sys:    sys,
		byName: make(map[string]*User),
		byHash: make(map[string]string),
	}
	if err := sys.Scan(context.Background(), UsersCollection, func(_ codec.DocID, doc codec.Document) error {
		var u, err = userFromDoc(doc)
		if err != nil {
			return err
		}
		s.byName[u.Name] = u
		s.byHash[u.KeyHash] = u.Name
		return nil
	}); err != nil {
		return nil, err
	}

	if _, ok := s.byName[RootUser]; !ok {
		var key, err = s.create(&User{
			Name:      RootUser,
			Active:    true,
			CreatedAt: time.Now().UTC(),
			Perms:     []PermEntry{{Collection: "*", Ops: OpAll}},
		})
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"user": RootUser, "apiKey": key}).
			Warn("bootstrapped root user; this key is shown once and cannot be recovered")
	}
	return s, nil
}

func mintKey() (key, hash string) {
	var raw = make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	key = base64.RawURLEncoding.EncodeToString(raw)
	return key, HashKey(key)
}

// HashKey returns the stored form of an API key.
func HashKey(key string) string {
	var sum = sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Create mints a new user and returns the plaintext key, exactly once.
func (s *Store) Create(name, namespace string, restrictedDB *string, perms []PermEntry) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", fault.Errorf(fault.InvalidInput, "user name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return "", fault.Errorf(fault.Conflict, "user %q already exists", name)
	}
	return s.create(&User{
		Name:         name,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
		Perms:        perms,
		Namespace:    strings.Trim(strings.TrimSpace(namespace), "/"),
		RestrictedDB: restrictedDB,
	})
}

// create persists |u| with a fresh key. Caller holds s.mu (or is OpenStore).
func (s *Store) create(u *User) (string, error) {
	var key, hash = mintKey()
	u.KeyHash = hash
	if err := s.persist(u); err != nil {
		return "", err
	}
	s.byName[u.Name] = u
	s.byHash[hash] = u.Name
	return key, nil
}

func (s *Store) persist(u *User) error {
	var doc = userToDoc(u)
	if _, found, err := s.sys.FindByID(UsersCollection, codec.StringID(u.Name)); err != nil {
		return err
	} else if found {
		var _, err = s.sys.Update(UsersCollection, doc)
		return err
	}
	var _, err = s.sys.Insert(UsersCollection, doc)
	return err
}

// Revoke deactivates a user. The record and its key hash are retained so
// the key keeps resolving to a revoked identity rather than an unknown
// one. The root user is protected.
func (s *Store) Revoke(name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == RootUser {
		return fault.Errorf(fault.PermissionDenied, "the root user cannot be revoked")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var u, ok = s.byName[name]
	if !ok {
		return fault.Errorf(fault.NotFound, "user %q not found", name)
	}
	if !u.Active {
		return nil
	}
	u.Active = false
	if err := s.persist(u); err != nil {
		u.Active = true
		return err
	}
	return nil
}

// RotateKey mints and returns a replacement key; the old key stops working.
func (s *Store) RotateKey(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	defer s.mu.Unlock()
	var u, ok = s.byName[name]
	if !ok {
		return "", fault.Errorf(fault.NotFound, "user %q not found", name)
	}
	var key, hash = mintKey()
	var oldHash = u.KeyHash
	u.KeyHash = hash
	if err := s.persist(u); err != nil {
		u.KeyHash = oldHash
		return "", err
	}
	delete(s.byHash, oldHash)
	s.byHash[hash] = u.Name
	return key, nil
}

// UpdatePerms replaces a user's permission entries.
func (s *Store) UpdatePerms(name string, perms []PermEntry) error {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	defer s.mu.Unlock()
	var u, ok = s.byName[name]
	if !ok {
		return fault.Errorf(fault.NotFound, "user %q not found", name)
	}
	var old = u.Perms
	u.Perms = perms
	if err := s.persist(u); err != nil {
		u.Perms = old
		return err
	}
	return nil
}

// List returns all users sorted by name, without key material.
func (s *Store) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out = make([]User, 0, len(s.byName))
	for _, u := range s.byName {
		var cp = *u
		cp.KeyHash = ""
		out = append(out, cp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Name < out[j-1].Name; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Get returns the named user.
func (s *Store) Get(name string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var u, ok = s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	var cp = *u
	return &cp, true
}

// Authenticate resolves an API key to its user. A blank key is MissingKey;
// an unknown key is also MissingKey (the caller cannot distinguish a bad
// key from none); a revoked user is InactiveUser.
func (s *Store) Authenticate(key string) (*User, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fault.Errorf(fault.MissingKey, "missing API key")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var name, ok = s.byHash[HashKey(key)]
	if !ok {
		return nil, fault.Errorf(fault.MissingKey, "invalid API key")
	}
	var u = s.byName[name]
	if !u.Active {
		return nil, fault.Errorf(fault.InactiveUser, "user %q is revoked", name)
	}
	var cp = *u
	return &cp, nil
}

// Document mapping.

func userToDoc(u *User) codec.Document {
	var perms = make([]codec.Value, len(u.Perms))
	for i, p := range u.Perms {
		perms[i] = codec.Embedded(codec.NewDocument().
			Set("collection", codec.String(p.Collection)).
			Set("ops", codec.Int32(int32(p.Ops))))
	}
	var doc = codec.NewDocument().
		Set(codec.IDField, codec.String(u.Name)).
		Set("active", codec.Bool(u.Active)).
		Set("createdat", codec.Timestamp(u.CreatedAt)).
		Set("namespace", codec.String(u.Namespace)).
		Set("keyhash", codec.String(u.KeyHash)).
		Set("perms", codec.Value{Kind: codec.KindArray, Array: perms})
	if u.RestrictedDB != nil {
		doc.Set("restricteddb", codec.String(*u.RestrictedDB))
	}
	return doc
}

func userFromDoc(doc codec.Document) (*User, error) {
	var u = new(User)
	if v, ok := doc.Get(codec.IDField); ok {
		u.Name = v.S
	}
	if u.Name == "" {
		return nil, fault.Errorf(fault.Internal, "user record without a name")
	}
	if v, ok := doc.Get("active"); ok {
		u.Active = v.B
	}
	if v, ok := doc.Get("createdat"); ok {
		u.CreatedAt = v.Time()
	}
	if v, ok := doc.Get("namespace"); ok {
		u.Namespace = v.S
	}
	if v, ok := doc.Get("keyhash"); ok {
		u.KeyHash = v.S
	}
	if v, ok := doc.Get("restricteddb"); ok && v.Kind == codec.KindString {
		var db = v.S
		u.RestrictedDB = &db
	}
	if v, ok := doc.Get("perms"); ok && v.Kind == codec.KindArray {
		for _, e := range v.Array {
			if e.Kind != codec.KindDocument {
				continue
			}
			var p PermEntry
			if c, ok := e.Doc.Get("collection"); ok {
				p.Collection = c.S
			}
			if o, ok := e.Doc.Get("ops"); ok {
				p.Ops = OpMask(o.I)
			}
			u.Perms = append(u.Perms, p)
		}
	}
	return u, nil
}
