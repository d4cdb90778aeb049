// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mock contains gomock mocks for the collaborator interfaces of the
// collector, regenerated with:
//
//	go generate ./internal/mock
package mock

//go:generate mockgen -destination clock.go -package mock github.com/kianostad/epochgc/internal/clock Clock,Timer,Ticker
//go:generate mockgen -destination storage.go -package mock github.com/kianostad/epochgc/internal/storage Index
//go:generate mockgen -destination mvcc.go -package mock github.com/kianostad/epochgc/internal/storage/mvcc Catalog,QueryLogger,VisibilityOracle,Releaser
