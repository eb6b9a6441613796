//go:build !darwin

package keychain

const supported = false

type systemKeyring struct{}

func newSystemKeyring(string) keyring { return systemKeyring{} }

func (systemKeyring) set(string, []byte, bool) error { return errUnsupported }
func (systemKeyring) get(string) ([]byte, error)     { return nil, errUnsupported }
func (systemKeyring) attrs(string) (attrs, error)    { return attrs{}, errUnsupported }
func (systemKeyring) accounts() ([]string, error)    { return nil, errUnsupported }
func (systemKeyring) remove(string) error            { return errUnsupported }
