package kernel

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"github.com/liquefaction-labs/liquefaction/internal/asset"
	"github.com/liquefaction-labs/liquefaction/internal/envelope"
	"github.com/liquefaction-labs/liquefaction/internal/ethtx"
	"github.com/liquefaction-labs/liquefaction/internal/oracle"
	"github.com/liquefaction-labs/liquefaction/internal/wallet"
)

// Service exposes the Dispatcher over go-ethereum's reflection-based JSON-RPC
// package: every exported method becomes a callable RPC method under the
// "liquefaction" namespace, with no codegen or schema (see DESIGN.md for
// the rationale over a generated-stub transport). Every method takes the
// caller's opaque principal identifier as an explicit argument (the
// Component G methods take the ethtx policy's principal first, and the
// caller after it or, for ProveTransactionInclusion, last):
// the kernel exposes no mechanism to forge it, so the host-side transport
// is responsible for authenticating the connection and supplying the
// right principal string.
type Service struct {
	d *Dispatcher
}

// NewService wraps d for RPC registration.
func NewService(d *Dispatcher) *Service {
	return &Service{d: d}
}

// Destination names one (chainId, to) pair a sub-lease applies to; a named,
// JSON-friendly stand-in for the anonymous struct ethtx.Policy.EnterSubLease
// takes directly.
type Destination struct {
	ChainID uint64         `json:"chainId"`
	To      common.Address `json:"to"`
}

func toEthtxDestinations(in []Destination) []struct {
	ChainID uint64
	To      common.Address
} {
	out := make([]struct {
		ChainID uint64
		To      common.Address
	}, len(in))
	for i, d := range in {
		out[i] = struct {
			ChainID uint64
			To      common.Address
		}{ChainID: d.ChainID, To: d.To}
	}
	return out
}

func (s *Service) CreateWallet(manager string, accountIndex common.Hash, block uint64) (common.Address, error) {
	_, addr, err := s.d.CreateWallet(manager, accountIndex, block)
	return addr, err
}

func (s *Service) GetPublicKey(manager string, accountIndex common.Hash, block uint64) (hexutil.Bytes, error) {
	pub, err := s.d.GetPublicKey(manager, accountIndex, block)
	return hexutil.Bytes(pub), err
}

func (s *Service) GetAddress(manager string, accountIndex common.Hash, block uint64) (common.Address, error) {
	return s.d.GetAddress(manager, accountIndex, block)
}

func (s *Service) TransferOwnership(manager string, accountIndex common.Hash, newOwner string, block uint64) (common.Hash, error) {
	idx, err := s.d.TransferOwnership(manager, accountIndex, newOwner, block)
	return common.Hash(idx), err
}

func (s *Service) EnterEncumbrance(ctx context.Context, manager string, accountIndex common.Hash, assets []common.Hash, policyPrincipal string, expiry uint64, data hexutil.Bytes, now, block uint64) error {
	tags := make([]asset.Tag, len(assets))
	for i, a := range assets {
		tags[i] = asset.Tag(a)
	}
	return s.d.EnterEncumbrance(ctx, manager, accountIndex, tags, policyPrincipal, expiry, data, now, block)
}

func (s *Service) SignMessage(caller string, address common.Address, payload hexutil.Bytes, now, block uint64) (hexutil.Bytes, error) {
	sig, err := s.d.SignMessage(caller, address, payload, now, block)
	return hexutil.Bytes(sig), err
}

func (s *Service) SignTypedData(caller string, address common.Address, domainName string, domainSeparator, typeHash common.Hash, encodedData hexutil.Bytes, now, block uint64) (hexutil.Bytes, error) {
	sig, err := s.d.SignTypedData(caller, address, domainName, domainSeparator, typeHash, encodedData, now, block)
	return hexutil.Bytes(sig), err
}

func (s *Service) RequestKeyExport(manager string, accountIndex common.Hash, counterpartyPub common.Hash, sealed hexutil.Bytes, nonce common.Hash, now, block uint64) error {
	proof := &envelope.Envelope{Nonce: [24]byte{}, Ciphertext: sealed}
	copy(proof.Nonce[:], nonce[:24])
	return s.d.RequestKeyExport(manager, accountIndex, counterpartyPub, proof, now, block)
}

func (s *Service) ExportKey(manager string, accountIndex common.Hash, block uint64) (*envelope.Envelope, error) {
	return s.d.ExportKey(manager, accountIndex, block)
}

func (s *Service) DestroyExportedKey(manager string, accountIndex common.Hash, block uint64) error {
	return s.d.DestroyExportedKey(manager, accountIndex, block)
}

func (s *Service) AttendedWallets(principal string) []wallet.AttendedEntry {
	return s.d.AttendedWallets(principal)
}

func (s *Service) EnterSubLease(ctx context.Context, ethtxPrincipal, manager string, account common.Address, destinations []Destination, subPolicy string, expiry uint64, params ethtx.SubLeaseParams, now, block uint64) error {
	return s.d.EnterSubLease(ctx, ethtxPrincipal, manager, account, toEthtxDestinations(destinations), subPolicy, expiry, params, now, block)
}

func (s *Service) CommitToDeposit(ethtxPrincipal, caller string, signedTxHash common.Hash, now uint64) error {
	return s.d.CommitToDeposit(ethtxPrincipal, caller, signedTxHash, now)
}

func (s *Service) DepositFunds(ctx context.Context, ethtxPrincipal, caller string, signedTx ethtx.SignedTx, proof oracle.TxInclusionProof) error {
	return s.d.DepositFunds(ctx, ethtxPrincipal, caller, signedTx, proof)
}

func (s *Service) DepositLocalFunds(ethtxPrincipal, subPolicy string, account common.Address, chainID uint64, amount *uint256.Int, block uint64) error {
	return s.d.DepositLocalFunds(ethtxPrincipal, subPolicy, account, chainID, amount, block)
}

func (s *Service) FinalizeLocalFunds(ethtxPrincipal, subPolicy string, account common.Address, chainID, currentBlock uint64) error {
	return s.d.FinalizeLocalFunds(ethtxPrincipal, subPolicy, account, chainID, currentBlock)
}

func (s *Service) CommitToTransaction(ethtxPrincipal, caller string, account common.Address, tx *ethtx.Tx, block uint64) error {
	return s.d.CommitToTransaction(ethtxPrincipal, caller, account, tx, block)
}

func (s *Service) SignTransaction(ethtxPrincipal, caller string, account common.Address, tx ethtx.Tx, now, block uint64) (hexutil.Bytes, error) {
	sig, err := s.d.SignTransaction(ethtxPrincipal, caller, account, tx, now, block)
	return hexutil.Bytes(sig), err
}

func (s *Service) ProveTransactionInclusion(ctx context.Context, ethtxPrincipal string, signedTx ethtx.SignedTx, proof oracle.TxInclusionProof, blockNumber uint64, caller string) (*uint256.Int, error) {
	return s.d.ProveTransactionInclusion(ctx, ethtxPrincipal, signedTx, proof, blockNumber, caller)
}

func (s *Service) ReleaseCommitmentRequirement(ethtxPrincipal, manager string, account common.Address, chainID uint64, to common.Address) error {
	return s.d.ReleaseCommitmentRequirement(ethtxPrincipal, manager, account, chainID, to)
}

// Server wraps a go-ethereum rpc.Server bound to a Unix Domain Socket,
// with the familiar UDS-listener/graceful-shutdown idiom built over
// go-ethereum's reflection-based rpc package rather than gRPC+protobuf
// (see DESIGN.md for the rationale).
type Server struct {
	rpcServer  *rpc.Server
	listener   net.Listener
	socketPath string
}

// NewServer creates a Server bound to socketPath, with svc registered
// under the "liquefaction" namespace.
func NewServer(socketPath string, svc *Service) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("kernel: create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("kernel: remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("kernel: listen on unix socket %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("kernel: chmod socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName("liquefaction", svc); err != nil {
		lis.Close()
		return nil, fmt.Errorf("kernel: register rpc service: %w", err)
	}

	return &Server{rpcServer: rpcServer, listener: lis, socketPath: socketPath}, nil
}

// Serve accepts connections until the listener is closed, serving each one
// on its own goroutine. It blocks until Stop closes the listener.
func (s *Server) Serve() error {
	return s.rpcServer.ServeListener(s.listener)
}

// Stop closes the listener, halts RPC processing and removes the socket file.
func (s *Server) Stop() {
	s.listener.Close()
	s.rpcServer.Stop()
	os.Remove(s.socketPath)
}
