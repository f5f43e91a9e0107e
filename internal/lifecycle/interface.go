package lifecycle

//go:generate mockgen -destination=mocks/mock_bus.go -package=mocks github.com/mattjoyce/sherpa-gw/internal/bus Bus
