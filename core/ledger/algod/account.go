package algod

import (
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// TransactionSigner is implemented by ledger.Signer values that can sign
// transaction groups for this transport.
type TransactionSigner interface {
	Address() string
	TransactionSigner() transaction.TransactionSigner
}

// Account signs with a locally held key. The key lives only for the session;
// it is never written anywhere by this package.
type Account struct {
	account crypto.Account
}

// AccountFromMnemonic derives the signing account from a 25-word mnemonic.
func AccountFromMnemonic(phrase string) (*Account, error) {
	phrase = strings.Join(strings.Fields(phrase), " ")
	if phrase == "" {
		return nil, fmt.Errorf("mnemonic required")
	}
	sk, err := mnemonic.ToPrivateKey(phrase)
	if err != nil {
		return nil, fmt.Errorf("decode mnemonic: %w", err)
	}
	acct, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive account: %w", err)
	}
	return &Account{account: acct}, nil
}

// Address implements ledger.Signer.
func (a *Account) Address() string {
	return a.account.Address.String()
}

// TransactionSigner implements TransactionSigner.
func (a *Account) TransactionSigner() transaction.TransactionSigner {
	return transaction.BasicAccountTransactionSigner{Account: a.account}
}

// ValidAddress reports whether s is a well-formed ledger address.
func ValidAddress(s string) bool {
	_, err := types.DecodeAddress(strings.TrimSpace(s))
	return err == nil
}
