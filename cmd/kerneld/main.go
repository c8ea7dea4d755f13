package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"

	"github.com/liquefaction-labs/liquefaction/internal/config"
	"github.com/liquefaction-labs/liquefaction/internal/eventbus"
	"github.com/liquefaction-labs/liquefaction/internal/host"
	"github.com/liquefaction-labs/liquefaction/internal/kernel"
	"github.com/liquefaction-labs/liquefaction/internal/oracle"
	"github.com/liquefaction-labs/liquefaction/internal/policy"
	"github.com/liquefaction-labs/liquefaction/internal/store"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Liquefaction kernel starting (env=%s, socket=%s)\n", cfg.Env, cfg.Kernel.SocketPath)

	backingStore, err := buildStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build storage backend: %v\n", err)
		os.Exit(1)
	}

	bus := eventbus.New()
	sink := store.NewAuditSink(backingStore)
	auditSub := eventbus.NewPersistingSubscriber(bus, sink)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go auditSub.Run(ctx)

	dispatcher, err := kernel.New(kernel.Deps{
		Host:     host.Default(),
		Store:    backingStore,
		Bus:      bus,
		Policies: policy.NewTable(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create dispatcher: %v\n", err)
		os.Exit(1)
	}

	// The Ethereum-transaction policy's block-hash oracle and proof
	// verifier are injected, assumed-trustworthy chain collaborators; this
	// process does not implement a light client itself, so both are wired
	// to the no-op stand-ins a real deployment replaces with a real
	// light-client or attested RPC bridge.
	dispatcher.RegisterEthTxPolicy(cfg.Kernel.EthTxPrincipal, oracle.NewOracleCircuit(unconfiguredOracle{}, oracle.DefaultCircuitConfig()), unconfiguredVerifier{})

	svc := kernel.NewService(dispatcher)
	srv, err := kernel.NewServer(cfg.Kernel.SocketPath, svc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create rpc server: %v\n", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	fmt.Println("kernel ready — listening on UDS")

	select {
	case <-ctx.Done():
		fmt.Println("kernel shutting down gracefully...")
		srv.Stop()
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "rpc server error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("kernel stopped")
}

// buildStore wires the confidential storage backend per cfg.Storage.Backend:
// "memory" for development, "redis" for a real envelope-encrypted deployment
// backed by AWS KMS (or LocalStack, when cfg.LocalStackEndpoint is set).
func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.Storage.Backend != "redis" {
		return store.NewMemory(), nil
	}

	ctx := context.Background()
	kmsClient, err := store.NewKMSClient(ctx, cfg.Storage.AWSRegion, cfg.Storage.KMSKeyID, cfg.LocalStackEndpoint)
	if err != nil {
		return nil, fmt.Errorf("kerneld: build kms client: %w", err)
	}

	redisClient := store.NewGoRedisClient(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
	return store.NewRedisStore(ctx, redisClient, kmsClient, nil)
}

// unconfiguredOracle/unconfiguredVerifier are placeholders so the kernel
// still starts and exercises every operation not gated on chain state; a
// deployment binds RegisterEthTxPolicy's oracle/verifier arguments to a
// real chain bridge before accepting deposit or inclusion-proof traffic.
type unconfiguredOracle struct{}

func (unconfiguredOracle) GetBlockHash(_ context.Context, _, _ uint64) ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("kerneld: no block-hash oracle configured")
}

type unconfiguredVerifier struct{}

func (unconfiguredVerifier) ValidateTxProof(_ oracle.TxInclusionProof) ([]byte, error) {
	return nil, fmt.Errorf("kerneld: no proof verifier configured")
}

func (unconfiguredVerifier) ValidateStorageProof(_ oracle.StorageProof) ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("kerneld: no proof verifier configured")
}
