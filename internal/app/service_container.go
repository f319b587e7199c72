package app

import (
	"fmt"
	"log"
	"sync"

	"escrowd/internal/chain"
	"escrowd/internal/config"
	"escrowd/internal/db"
	"escrowd/internal/events"
	"escrowd/internal/keyvault"
	"escrowd/internal/provider"
	"escrowd/internal/repository"
	"escrowd/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceContainer wires repositories, chain access and services together.
type ServiceContainer struct {
	// Database
	DB *gorm.DB

	// Repositories
	WalletRepo     repository.WalletRepository
	OrderRepo      repository.OrderRepository
	BurnRepo       repository.BurnRepository
	PayoutRepo     repository.PayoutRepository
	BankDetailRepo repository.BankDetailRepository

	// Key custody and chain access
	Registry *keyvault.Registry
	Gateway  *chain.EthGateway

	// External surfaces
	ProviderClient provider.Client
	Publisher      *events.Publisher

	// Core services
	EscrowCoordinator   *services.EscrowCoordinator
	BurnService         *services.BurnService
	PayoutService       *services.PayoutService
	VerificationService *services.VerificationService

	logger *logrus.Logger
}

// Global service container instance
var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container once. The database must already
// be initialized.
func InitializeContainer() (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		log.Println("🚀 Initializing Service Container...")

		logger := logrus.New()
		container := &ServiceContainer{
			DB:     db.DB,
			logger: logger,
		}

		container.WalletRepo = repository.NewWalletRepository(container.DB)
		container.OrderRepo = repository.NewOrderRepository(container.DB)
		container.BurnRepo = repository.NewBurnRepository(container.DB)
		container.PayoutRepo = repository.NewPayoutRepository(container.DB)
		container.BankDetailRepo = repository.NewBankDetailRepository(container.DB)

		sealer, err := keyvault.NewSealer(config.AppConfig.KeyVault.EncryptionSecret)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize key sealer: %w", err)
			return
		}
		container.Registry = keyvault.NewRegistry(sealer, container.WalletRepo, logger)

		gateway, err := chain.NewEthGateway(config.AppConfig.Chain, container.Registry, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize chain gateway: %w", err)
			return
		}
		container.Gateway = gateway

		container.Publisher = events.NewPublisher(config.AppConfig.NATS, logger)
		container.ProviderClient = provider.NewHTTPClient(config.AppConfig.Provider, logger)

		container.EscrowCoordinator = services.NewEscrowCoordinator(
			container.DB, container.OrderRepo, container.Registry,
			container.Gateway, container.Publisher, config.AppConfig.Chain,
		)
		container.BurnService = services.NewBurnService(
			container.BurnRepo, container.BankDetailRepo, container.Registry, container.Gateway,
		)
		container.PayoutService = services.NewPayoutService(
			container.DB, container.PayoutRepo, container.BurnRepo, container.BankDetailRepo,
			container.ProviderClient, container.Publisher,
			config.AppConfig.Payout, config.AppConfig.Provider,
		)
		container.VerificationService = services.NewVerificationService(
			container.DB, container.OrderRepo, container.BurnRepo, container.Registry,
			container.Gateway, container.PayoutService, container.Publisher,
			config.AppConfig.Verify,
		)

		Container = container
		log.Println("✅ Service Container initialized")
	})

	if initErr != nil {
		return nil, initErr
	}
	return Container, nil
}

// Start launches the background services.
func (c *ServiceContainer) Start() {
	c.VerificationService.Start()
}

// Cleanup stops background services and releases connections.
func (c *ServiceContainer) Cleanup() {
	log.Println("🧹 Cleaning up Service Container...")
	c.VerificationService.Stop()
	c.Publisher.Close()
	c.Gateway.Close()
	if sqlDB, err := c.DB.DB(); err == nil {
		sqlDB.Close()
	}
	log.Println("✅ Service Container cleanup complete")
}
