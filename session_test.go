package ringvault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ringvault/ringvault/pkg/crypto/aead"
	"github.com/ringvault/ringvault/pkg/kms"
	"github.com/ringvault/ringvault/pkg/persistence"
	_ "github.com/ringvault/ringvault/securemem/nativemem"
)

type SessionFactorySuite struct {
	suite.Suite
	staticKMS *kms.StaticKMS
	store     *persistence.MemoryMetastore
}

func (s *SessionFactorySuite) SetupTest() {
	crypto := aead.NewAES256GCM()

	km, err := kms.NewStatic("thisIsAStaticMasterKeyForTesting", crypto, nil)
	require.NoError(s.T(), err)

	s.staticKMS = km
	s.store = persistence.NewMemoryMetastore()
}

func (s *SessionFactorySuite) TearDownTest() {
	require.NoError(s.T(), s.staticKMS.Close())
}

func TestSessionFactorySuite(t *testing.T) {
	suite.Run(t, new(SessionFactorySuite))
}

func (s *SessionFactorySuite) Test_GetSession_RejectsEmptyID() {
	factory, err := NewSessionFactory(&Config{Service: "svc", Product: "prod"}, s.store, s.staticKMS, aead.NewAES256GCM())
	require.NoError(s.T(), err)
	defer factory.Close()

	_, err = factory.GetSession("")
	s.Error(err)
}

func (s *SessionFactorySuite) Test_SessionCache_SharesSessionAcrossGets() {
	config := &Config{
		Service: "svc",
		Product: "prod",
		Policy: NewCryptoPolicy(
			WithSessionCache(),
			WithSessionCacheMaxSize(10),
			WithSessionCacheExpire(time.Minute),
		),
	}

	factory, err := NewSessionFactory(config, s.store, s.staticKMS, aead.NewAES256GCM())
	require.NoError(s.T(), err)
	defer factory.Close()

	a, err := factory.GetSession("shared-partition")
	require.NoError(s.T(), err)

	b, err := factory.GetSession("shared-partition")
	require.NoError(s.T(), err)

	s.Same(a, b)

	require.NoError(s.T(), a.Close())
	require.NoError(s.T(), b.Close())
}

func (s *SessionFactorySuite) Test_SharedIntermediateKeyCache() {
	config := &Config{
		Service: "svc",
		Product: "prod",
		Policy:  NewCryptoPolicy(WithSharedIntermediateKeyCache(100)),
	}

	factory, err := NewSessionFactory(config, s.store, s.staticKMS, aead.NewAES256GCM())
	require.NoError(s.T(), err)
	defer factory.Close()

	sessionA, err := factory.GetSession("partition-a")
	require.NoError(s.T(), err)
	defer sessionA.Close()

	sessionB, err := factory.GetSession("partition-b")
	require.NoError(s.T(), err)
	defer sessionB.Close()

	encA := sessionA.encryption.(*envelopeEncryption)
	encB := sessionB.encryption.(*envelopeEncryption)

	s.Same(encA.intermediateKeys, encB.intermediateKeys)
}
