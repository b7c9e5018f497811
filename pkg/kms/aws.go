package kms

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awskms "github.com/aws/aws-sdk-go/service/kms"
	"github.com/pkg/errors"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault"
	"github.com/ringvault/ringvault/internal"
	"github.com/ringvault/ringvault/pkg/log"
)

var (
	_ ringvault.KeyManagementService = (*AWSKMS)(nil)

	clientFactory = awskms.New

	generateDataKeyFunc   = generateDataKey
	encryptAllRegionsFunc = encryptAllRegions

	encryptKeyTimer = metrics.GetOrRegisterTimer(ringvault.MetricsPrefix+".kms.aws.encryptkey", nil)
	decryptKeyTimer = metrics.GetOrRegisterTimer(ringvault.MetricsPrefix+".kms.aws.decryptkey", nil)
)

// awsKMSAPI is the subset of the AWS SDK's kms.KMS client this package
// relies on, narrowed so it can be faked in tests.
type awsKMSAPI interface {
	EncryptWithContext(aws.Context, *awskms.EncryptInput, ...request.Option) (*awskms.EncryptOutput, error)
	GenerateDataKeyWithContext(aws.Context, *awskms.GenerateDataKeyInput, ...request.Option) (*awskms.GenerateDataKeyOutput, error)
	DecryptWithContext(aws.Context, *awskms.DecryptInput, ...request.Option) (*awskms.DecryptOutput, error)
}

// regionalClient pairs a region's KMS client with the ARN of the CMK this
// library should use there.
type regionalClient struct {
	kms    awsKMSAPI
	region string
	arn    string
}

func newRegionalClient(sess client.ConfigProvider, region, arn string) regionalClient {
	return regionalClient{
		kms:    clientFactory(sess, aws.NewConfig().WithRegion(region)),
		region: region,
		arn:    arn,
	}
}

func createRegionalClients(arnByRegion map[string]string) ([]regionalClient, error) {
	sess, err := session.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "unable to create AWS session")
	}

	clients := make([]regionalClient, 0, len(arnByRegion))

	for region, arn := range arnByRegion {
		clients = append(clients, newRegionalClient(sess, region, arn))
	}

	return clients, nil
}

// AWSKMS is a multi-region KeyManagementService: EncryptKey wraps an SK
// under every configured region's CMK so any region can later decrypt it;
// DecryptKey tries the preferred region first and falls back through the
// rest in order.
type AWSKMS struct {
	crypto  ringvault.AEAD
	clients []regionalClient
}

func sortByPreferredRegion(preferred string, clients []regionalClient) []regionalClient {
	sort.SliceStable(clients, func(i, _ int) bool {
		return clients[i].region == preferred
	})

	return clients
}

// NewAWS builds an AWSKMS that wraps keys in every region named in
// arnByRegion (region -> CMK ARN), preferring preferredRegion on decrypt.
func NewAWS(crypto ringvault.AEAD, preferredRegion string, arnByRegion map[string]string) (*AWSKMS, error) {
	clients, err := createRegionalClients(arnByRegion)
	if err != nil {
		return nil, err
	}

	return &AWSKMS{
		crypto:  crypto,
		clients: sortByPreferredRegion(preferredRegion, clients),
	}, nil
}

// envelope is the KMS-wrapped key format persisted to the metastore: the SK
// ciphertext under a per-call data key, plus that data key's ciphertext
// under each region's CMK.
type envelope struct {
	EncryptedKey []byte          `json:"encryptedKey"`
	RegionKEKs   []regionKEK     `json:"regionKeks"`
}

type regionKEK struct {
	Region       string `json:"region"`
	ARN          string `json:"arn"`
	EncryptedKEK []byte `json:"encryptedKek"`
}

func findRegion(keks []regionKEK, region string) *regionKEK {
	for i := range keks {
		if keks[i].Region == region {
			return &keks[i]
		}
	}

	return nil
}

// EncryptKey implements ringvault.KeyManagementService.
func (m *AWSKMS) EncryptKey(ctx context.Context, plaintext []byte) ([]byte, error) {
	dataKey, err := generateDataKeyFunc(ctx, m.clients)
	if err != nil {
		return nil, err
	}

	defer internal.MemClr(dataKey.Plaintext)

	encKey, err := m.crypto.Encrypt(plaintext, dataKey.Plaintext)
	if err != nil {
		return nil, err
	}

	env := envelope{EncryptedKey: encKey}

	for kek := range encryptAllRegionsFunc(ctx, dataKey, m.clients) {
		env.RegionKEKs = append(env.RegionKEKs, kek)
	}

	return json.Marshal(env)
}

func encryptAllRegions(ctx context.Context, resp *awskms.GenerateDataKeyOutput, clients []regionalClient) <-chan regionKEK {
	var wg sync.WaitGroup

	results := make(chan regionKEK, len(clients))

	for i := range clients {
		c := &clients[i]

		if c.arn == *resp.KeyId {
			results <- regionKEK{Region: c.region, ARN: c.arn, EncryptedKEK: resp.CiphertextBlob}
			continue
		}

		wg.Add(1)

		go func(c *regionalClient) {
			defer wg.Done()
			defer encryptKeyTimer.UpdateSince(time.Now())

			resp, err := c.kms.EncryptWithContext(ctx, &awskms.EncryptInput{
				KeyId:     aws.String(c.arn),
				Plaintext: resp.Plaintext,
			})
			if err != nil {
				log.Debugf("kms encrypt failed in region %s: %s", c.region, err)
				return
			}

			results <- regionKEK{Region: c.region, ARN: c.arn, EncryptedKEK: resp.CiphertextBlob}
		}(c)
	}

	go func() {
		defer close(results)
		wg.Wait()
	}()

	return results
}

func generateDataKey(ctx context.Context, clients []regionalClient) (*awskms.GenerateDataKeyOutput, error) {
	for i := range clients {
		c := &clients[i]

		start := time.Now()

		resp, err := c.kms.GenerateDataKeyWithContext(ctx, &awskms.GenerateDataKeyInput{
			KeyId:   aws.String(c.arn),
			KeySpec: aws.String(awskms.DataKeySpecAes256),
		})

		metrics.GetOrRegisterTimer(fmt.Sprintf("%s.kms.aws.generatedatakey.%s", ringvault.MetricsPrefix, c.region), nil).
			UpdateSince(start)

		if err != nil {
			log.Debugf("generate data key failed in region %s, trying next: %s", c.region, err)
			continue
		}

		return resp, nil
	}

	return nil, errors.New("generate data key failed in every configured region")
}

// DecryptKey implements ringvault.KeyManagementService.
func (m *AWSKMS) DecryptKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	var env envelope

	if err := json.Unmarshal(wrapped, &env); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal KMS envelope")
	}

	for i := range m.clients {
		c := &m.clients[i]

		kek := findRegion(env.RegionKEKs, c.region)
		if kek == nil {
			continue
		}

		start := time.Now()

		out, err := c.kms.DecryptWithContext(ctx, &awskms.DecryptInput{CiphertextBlob: kek.EncryptedKEK})

		decryptKeyTimer.UpdateSince(start)

		if err != nil {
			log.Debugf("kms decrypt failed in region %s: %s", c.region, err)
			continue
		}

		plain, err := func() ([]byte, error) {
			defer internal.MemClr(out.Plaintext)
			return m.crypto.Decrypt(env.EncryptedKey, out.Plaintext)
		}()
		if err != nil {
			log.Debugf("key decrypt failed in region %s: %s", c.region, err)
			continue
		}

		return plain, nil
	}

	return nil, errors.New("decrypt failed in every configured region")
}
