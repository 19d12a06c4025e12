package remote

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/shell"
)

// defaultIdentities are tried in order when no -i is given.
var defaultIdentities = []string{".ssh/id_ed25519", ".ssh/id_ecdsa", ".ssh/id_rsa"}

// passwordAttempts matches ssh's NumberOfPasswordPrompts.
const passwordAttempts = 3

// authMethods builds public key and password authentication for req. Key
// files are read from the tree here, before any network I/O.
func authMethods(req shell.DialRequest, t shell.RemoteTarget) ([]ssh.AuthMethod, error) {
	var paths []string
	if t.IdentityFile != "" {
		paths = append(paths, req.View.Abs(t.IdentityFile))
	} else if req.Home != "" {
		for _, p := range defaultIdentities {
			paths = append(paths, vfshell.Join(req.Home, p))
		}
	}

	var signers []ssh.Signer
	for _, p := range paths {
		data, err := req.View.ReadFile(p)
		if err != nil {
			if t.IdentityFile != "" {
				logging.Warn("Identity file not accessible", logging.String("path", p), logging.Err(err))
			}
			continue
		}
		signer, err := parseKey(req, p, data)
		if err != nil {
			logging.Warn("Skipping identity", logging.String("path", p), logging.Err(err))
			continue
		}
		signers = append(signers, signer)
	}

	var methods []ssh.AuthMethod
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if req.Password != nil {
		prompt := fmt.Sprintf("%s@%s's password: ", t.User, t.Host)
		methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
			return req.Password(prompt)
		}), passwordAttempts))
	}
	return methods, nil
}

func parseKey(req shell.DialRequest, path string, data []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(data)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	if req.Password == nil {
		return nil, err
	}
	passphrase, err := req.Password(fmt.Sprintf("Enter passphrase for key '%s': ", path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
}
