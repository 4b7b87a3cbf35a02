package venue

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// credentialFields is the fixed env key schema: {VENUE_FAMILY}_{FIELD},
// all upper-case, for each venue family.
var credentialFields = []string{
	"apiKey",
	"secret",
	"uid",
	"accountId",
	"login",
	"password",
	"twofa",
	"privateKey",
	"walletAddress",
	"token",
}

// Credentials is one venue family's authentication material. All fields
// are optional; a venue is authenticated when at least one is present.
type Credentials struct {
	APIKey        string
	Secret        string
	UID           string
	AccountID     string
	Login         string
	Password      string
	Twofa         string
	PrivateKey    string
	WalletAddress string
	Token         string
}

// Empty reports whether no credential field is set.
func (c Credentials) Empty() bool {
	return c == Credentials{}
}

// CredentialFamily folds venue aliases onto the family that owns the
// credential set: a "*futures" venue shares the spot family's keys.
func CredentialFamily(venueID string) string {
	return strings.TrimSuffix(strings.ToLower(venueID), "futures")
}

// CredentialsFromEnv reads the venue family's credential set from the
// environment. Literal "\n" sequences are re-expanded to newlines so PEM
// keys survive the flat env format. Returns zero Credentials when nothing
// is set.
func CredentialsFromEnv(venueID string) Credentials {
	family := strings.ToUpper(CredentialFamily(venueID))
	read := func(field string) string {
		value := os.Getenv(family + "_" + strings.ToUpper(field))
		return strings.ReplaceAll(value, `\n`, "\n")
	}
	return Credentials{
		APIKey:        read(credentialFields[0]),
		Secret:        read(credentialFields[1]),
		UID:           read(credentialFields[2]),
		AccountID:     read(credentialFields[3]),
		Login:         read(credentialFields[4]),
		Password:      read(credentialFields[5]),
		Twofa:         read(credentialFields[6]),
		PrivateKey:    read(credentialFields[7]),
		WalletAddress: read(credentialFields[8]),
		Token:         read(credentialFields[9]),
	}
}

// signer produces the request signature a venue's private endpoints expect.
// HMAC venues sign with the API secret; wallet venues sign with an ECDSA
// key and identify themselves by address.
type signer interface {
	Sign(payload string) (string, error)
}

// hmacSigner signs payloads with HMAC-SHA256 over the API secret.
type hmacSigner struct {
	secret []byte
}

func newHMACSigner(secret string) *hmacSigner {
	return &hmacSigner{secret: []byte(secret)}
}

func (s *hmacSigner) Sign(payload string) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// walletSigner signs payloads with an ECDSA wallet key, for venues whose
// credential set carries privateKey/walletAddress instead of an API secret.
type walletSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func newWalletSigner(creds Credentials) (*walletSigner, error) {
	keyHex := strings.TrimPrefix(creds.PrivateKey, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	if creds.WalletAddress != "" {
		declared := common.HexToAddress(creds.WalletAddress)
		if declared != address {
			return nil, fmt.Errorf("wallet address %s does not match key address %s", declared.Hex(), address.Hex())
		}
	}
	return &walletSigner{key: key, address: address}, nil
}

func (s *walletSigner) Address() common.Address {
	return s.address
}

func (s *walletSigner) Sign(payload string) (string, error) {
	digest := crypto.Keccak256Hash([]byte(payload))
	sig, err := crypto.Sign(digest.Bytes(), s.key)
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// newSigner picks the signing scheme the credential set supports. Venues
// with a wallet key sign with ECDSA; venues with an API secret use HMAC;
// anything else cannot sign.
func newSigner(creds Credentials) (signer, error) {
	if creds.PrivateKey != "" {
		return newWalletSigner(creds)
	}
	if creds.Secret != "" {
		return newHMACSigner(creds.Secret), nil
	}
	return nil, fmt.Errorf("credential set has no signing material")
}
