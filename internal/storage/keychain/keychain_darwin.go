//go:build darwin

package keychain

import (
	"errors"
	"fmt"

	gokeychain "github.com/keybase/go-keychain"
)

const supported = true

type systemKeyring struct {
	service string
}

func newSystemKeyring(service string) keyring {
	return &systemKeyring{service: service}
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gokeychain.ErrorItemNotFound):
		return errItemNotFound
	case errors.Is(err, gokeychain.ErrorAuthFailed), errors.Is(err, gokeychain.ErrorInteractionNotAllowed):
		return fmt.Errorf("%w: %v", errAuth, err)
	case errors.Is(err, gokeychain.ErrorUserCanceled):
		return errCancelled
	}
	return err
}

// set overwrites: update = delete + add.
func (k *systemKeyring) set(key string, data []byte, requireAuth bool) error {
	if err := k.remove(key); err != nil && !errors.Is(err, errItemNotFound) {
		return err
	}

	item := gokeychain.NewGenericPassword(
		k.service,
		key,
		fmt.Sprintf("seedvault: %s", key),
		data,
		"",
	)
	item.SetSynchronizable(gokeychain.SynchronizableNo)
	if requireAuth {
		item.SetAccessible(gokeychain.AccessibleWhenPasscodeSetThisDeviceOnly)
	} else {
		item.SetAccessible(gokeychain.AccessibleWhenUnlockedThisDeviceOnly)
	}
	return mapErr(gokeychain.AddItem(item))
}

func (k *systemKeyring) get(key string) ([]byte, error) {
	data, err := gokeychain.GetGenericPassword(k.service, key, "", "")
	if err != nil {
		return nil, mapErr(err)
	}
	if data == nil {
		return nil, errItemNotFound
	}
	return data, nil
}

func (k *systemKeyring) attrs(key string) (attrs, error) {
	query := gokeychain.NewItem()
	query.SetSecClass(gokeychain.SecClassGenericPassword)
	query.SetService(k.service)
	query.SetAccount(key)
	query.SetMatchLimit(gokeychain.MatchLimitOne)
	query.SetReturnAttributes(true)
	query.SetReturnData(true)

	results, err := gokeychain.QueryItem(query)
	if err != nil {
		return attrs{}, mapErr(err)
	}
	if len(results) == 0 {
		return attrs{}, errItemNotFound
	}
	r := results[0]
	return attrs{
		created:  r.CreationDate,
		modified: r.ModificationDate,
		size:     int64(len(r.Data)),
	}, nil
}

func (k *systemKeyring) accounts() ([]string, error) {
	accounts, err := gokeychain.GetGenericPasswordAccounts(k.service)
	if err != nil {
		return nil, mapErr(err)
	}
	return accounts, nil
}

func (k *systemKeyring) remove(key string) error {
	return mapErr(gokeychain.DeleteGenericPasswordItem(k.service, key))
}
