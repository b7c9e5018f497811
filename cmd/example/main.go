// Command example exercises a SessionFactory end-to-end against an
// in-memory metastore and a static KMS: encrypt a handful of payloads for
// a few partitions, decrypt them back, and print basic secure-memory and
// timing metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	metrics "github.com/rcrowley/go-metrics"

	"github.com/ringvault/ringvault"
	"github.com/ringvault/ringvault/pkg/crypto/aead"
	"github.com/ringvault/ringvault/pkg/kms"
	rvlog "github.com/ringvault/ringvault/pkg/log"
	"github.com/ringvault/ringvault/pkg/persistence"
	"github.com/ringvault/ringvault/securemem"
)

const (
	partitionCount = 8
	rowsPerSession = 50
)

func main() {
	rvlog.SetLogger(rvlog.Func(log.Printf))

	crypto := aead.NewAES256GCM()

	keyManager, err := kms.NewStatic("thisIsAStaticMasterKeyForTesting", crypto, nil)
	if err != nil {
		log.Fatalf("create static kms: %s", err)
	}
	defer keyManager.Close()

	store := persistence.NewMemoryMetastore()

	config := &ringvault.Config{
		Service: "exampleService",
		Product: "exampleProduct",
		Policy: ringvault.NewCryptoPolicy(
			ringvault.WithExpireKeyAfter(24 * time.Hour),
			ringvault.WithRevokeCheckInterval(time.Minute),
			ringvault.WithSessionCache(),
			ringvault.WithSecureHeapEngine(securemem.EngineNative),
		),
	}

	factory, err := ringvault.NewSessionFactory(config, store, keyManager, crypto)
	if err != nil {
		log.Fatalf("create session factory: %s", err)
	}
	defer factory.Close()

	start := time.Now()

	var wg sync.WaitGroup

	for i := 0; i < partitionCount; i++ {
		wg.Add(1)

		go func(partitionID string) {
			defer wg.Done()
			runPartition(factory, partitionID)
		}(fmt.Sprintf("shopper-%s", uuid.New()))
	}

	wg.Wait()

	fmt.Printf("completed %d partitions x %d rows in %s\n", partitionCount, rowsPerSession, time.Since(start))
	fmt.Printf("secrets allocated=%d in-use=%d\n", securemem.AllocCounter.Count(), securemem.InUseCounter.Count())
	fmt.Printf("encrypt timer: %s\n", summarizeTimer(encryptTimerName))
	fmt.Printf("decrypt timer: %s\n", summarizeTimer(decryptTimerName))
}

const (
	encryptTimerName = ringvault.MetricsPrefix + ".drr.encrypt"
	decryptTimerName = ringvault.MetricsPrefix + ".drr.decrypt"
)

func summarizeTimer(name string) string {
	t := metrics.GetOrRegisterTimer(name, nil)
	return fmt.Sprintf("count=%d mean=%.0fus", t.Count(), t.Mean()/1e3)
}

func runPartition(factory *ringvault.SessionFactory, partitionID string) {
	ctx := context.Background()

	session, err := factory.GetSession(partitionID)
	if err != nil {
		log.Fatalf("get session for %s: %s", partitionID, err)
	}
	defer session.Close()

	rows := make([]ringvault.DataRowRecord, 0, rowsPerSession)

	for i := 0; i < rowsPerSession; i++ {
		payload := []byte(fmt.Sprintf("payload %d for %s", i, partitionID))

		drr, err := session.Encrypt(ctx, payload)
		if err != nil {
			log.Fatalf("encrypt for %s: %s", partitionID, err)
		}

		rows = append(rows, *drr)
	}

	for i, drr := range rows {
		plain, err := session.Decrypt(ctx, drr)
		if err != nil {
			log.Fatalf("decrypt row %d for %s: %s", i, partitionID, err)
		}

		_ = plain
	}
}
