package shell

import (
	"sort"
	"strconv"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/IceWhaleTech/vfshell"
)

// User is an account that can log in to or be switched to in a session.
type User struct {
	vfshell.Account

	// Groups lists supplementary group IDs.
	Groups []uint32
	// PasswordHash is a bcrypt hash. An empty hash means the account
	// needs no password.
	PasswordHash []byte
	// Sudo allows the user to run commands as root.
	Sudo bool
}

// Cred returns the identity the user acts as.
func (u User) Cred() vfshell.Cred {
	return vfshell.Cred{UID: u.UID, GID: u.GID, Groups: u.Groups}
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// Users is the account database of a simulated host. It always contains
// root.
type Users struct {
	mu     sync.RWMutex
	byName map[string]User
	names  []string
}

// NewUsers creates a database holding root and users.
func NewUsers(users ...User) *Users {
	db := &Users{byName: make(map[string]User)}
	db.Add(User{Account: vfshell.Account{Name: "root", Home: "/root", Shell: "/bin/bash"}, Sudo: true})
	for _, u := range users {
		db.Add(u)
	}
	return db
}

// Add inserts or replaces a user.
func (db *Users) Add(u User) {
	if u.Shell == "" {
		u.Shell = "/bin/bash"
	}
	if u.Home == "" {
		u.Home = "/home/" + u.Name
		if u.UID == 0 {
			u.Home = "/root"
		}
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.byName[u.Name]; !exists {
		db.names = append(db.names, u.Name)
	}
	db.byName[u.Name] = u
}

// Lookup finds a user by name.
func (db *Users) Lookup(name string) (User, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	u, ok := db.byName[name]
	return u, ok
}

// LookupUID finds the first user with uid.
func (db *Users) LookupUID(uid uint32) (User, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, name := range db.names {
		if u := db.byName[name]; u.UID == uid {
			return u, true
		}
	}
	return User{}, false
}

// Authenticate checks password against the stored hash of name.
func (db *Users) Authenticate(name, password string) bool {
	u, ok := db.Lookup(name)
	if !ok {
		return false
	}
	if len(u.PasswordHash) == 0 {
		return true
	}
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) == nil
}

// UserName returns the name owning uid, or the number itself.
func (db *Users) UserName(uid uint32) string {
	if u, ok := db.LookupUID(uid); ok {
		return u.Name
	}
	return strconv.FormatUint(uint64(uid), 10)
}

// GroupName returns the name of the group gid. Every user has a private
// group named after it.
func (db *Users) GroupName(gid uint32) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, name := range db.names {
		if db.byName[name].GID == gid {
			return name
		}
	}
	if gid == sudoGID {
		return "sudo"
	}
	return strconv.FormatUint(uint64(gid), 10)
}

// LookupGroup resolves a group name or number.
func (db *Users) LookupGroup(name string) (uint32, bool) {
	if n, err := strconv.ParseUint(name, 10, 32); err == nil {
		return uint32(n), true
	}
	if name == "sudo" {
		return sudoGID, true
	}
	u, ok := db.Lookup(name)
	return u.GID, ok
}

// All returns every user ordered by uid.
func (db *Users) All() []User {
	db.mu.RLock()
	out := make([]User, 0, len(db.names))
	for _, name := range db.names {
		out = append(out, db.byName[name])
	}
	db.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// Accounts returns the accounts for provisioning a tree.
func (db *Users) Accounts() []vfshell.Account {
	users := db.All()
	out := make([]vfshell.Account, len(users))
	for i, u := range users {
		out[i] = u.Account
	}
	return out
}

const sudoGID = 27
