package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"vouchlend/crypto"
	"vouchlend/native/lending"
	"vouchlend/native/registry"
	"vouchlend/native/reputation"
	"vouchlend/storage"
)

var (
	registryProfilePrefix  = "registry/profile/"
	registryIndexPrefix    = "registry/index/"
	registryCountKey       = "registry/count"
	reputationProfilePref  = "reputation/profile/"
	reputationVouchPrefix  = "reputation/vouch/"
	reputationGivenPrefix  = "reputation/given/"
	reputationRecvPrefix   = "reputation/received/"
	lendingOfferPrefix     = "lending/offer/"
	lendingRequestPrefix   = "lending/request/"
	lendingAgreementPrefix = "lending/agreement/"
	lendingOffersByPrefix  = "lending/offers/"
	lendingReqsByPrefix    = "lending/requests/"
	lendingAgrLenderPref   = "lending/agreements/lender/"
	lendingAgrBorrowerPref = "lending/agreements/borrower/"
	lendingSeqPrefix       = "lending/seq/"
	tokenBalancePrefix     = "token/balance/"
	tokenAllowancePrefix   = "token/allowance/"
)

// Manager persists module state in a key-value database using JSON encoding.
// It implements the state interfaces of the registry, reputation, lending and
// token engines, and doubles as the pause view for all modules.
type Manager struct {
	db storage.Database

	mu     sync.RWMutex
	paused map[string]bool
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, paused: make(map[string]bool)}
}

// SetPaused toggles the pause switch for a module.
func (m *Manager) SetPaused(module string, paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused[module] = paused
}

// IsPaused implements the native module pause view.
func (m *Manager) IsPaused(module string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused[module]
}

func (m *Manager) kvGet(key string, out interface{}) (bool, error) {
	raw, err := m.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

func (m *Manager) kvPut(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return m.db.Put([]byte(key), raw)
}

func (m *Manager) appendHash(key string, id crypto.Hash) error {
	var list []crypto.Hash
	if _, err := m.kvGet(key, &list); err != nil {
		return err
	}
	list = append(list, id)
	return m.kvPut(key, list)
}

func (m *Manager) hashList(key string) ([]crypto.Hash, error) {
	var list []crypto.Hash
	if _, err := m.kvGet(key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (m *Manager) appendAddress(key string, addr crypto.Address) error {
	var list []crypto.Address
	if _, err := m.kvGet(key, &list); err != nil {
		return err
	}
	list = append(list, addr)
	return m.kvPut(key, list)
}

func (m *Manager) addressList(key string) ([]crypto.Address, error) {
	var list []crypto.Address
	if _, err := m.kvGet(key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// --- registry state ---

func (m *Manager) UserProfile(addr crypto.Address) (*registry.UserProfile, bool, error) {
	var profile registry.UserProfile
	ok, err := m.kvGet(registryProfilePrefix+addr.Hex(), &profile)
	if err != nil || !ok {
		return nil, false, err
	}
	return &profile, true, nil
}

func (m *Manager) PutUserProfile(addr crypto.Address, profile *registry.UserProfile) error {
	if profile == nil {
		return fmt.Errorf("state: nil user profile")
	}
	return m.kvPut(registryProfilePrefix+addr.Hex(), profile)
}

func (m *Manager) AppendRegisteredAddress(addr crypto.Address) error {
	count, err := m.RegisteredCount()
	if err != nil {
		return err
	}
	if err := m.kvPut(fmt.Sprintf("%s%d", registryIndexPrefix, count), addr); err != nil {
		return err
	}
	return m.kvPut(registryCountKey, count+1)
}

func (m *Manager) RegisteredAddressAt(index uint64) (crypto.Address, bool, error) {
	var addr crypto.Address
	ok, err := m.kvGet(fmt.Sprintf("%s%d", registryIndexPrefix, index), &addr)
	if err != nil || !ok {
		return crypto.Address{}, false, err
	}
	return addr, true, nil
}

func (m *Manager) RegisteredCount() (uint64, error) {
	var count uint64
	if _, err := m.kvGet(registryCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// --- reputation state ---

func (m *Manager) ReputationProfile(addr crypto.Address) (*reputation.Profile, bool, error) {
	var profile reputation.Profile
	ok, err := m.kvGet(reputationProfilePref+addr.Hex(), &profile)
	if err != nil || !ok {
		return nil, false, err
	}
	return &profile, true, nil
}

func (m *Manager) PutReputationProfile(addr crypto.Address, profile *reputation.Profile) error {
	if profile == nil {
		return fmt.Errorf("state: nil reputation profile")
	}
	return m.kvPut(reputationProfilePref+addr.Hex(), profile)
}

func vouchKey(voucher, borrower crypto.Address) string {
	return reputationVouchPrefix + voucher.Hex() + "/" + borrower.Hex()
}

func (m *Manager) Vouch(voucher, borrower crypto.Address) (*reputation.Vouch, bool, error) {
	var vouch reputation.Vouch
	ok, err := m.kvGet(vouchKey(voucher, borrower), &vouch)
	if err != nil || !ok {
		return nil, false, err
	}
	return &vouch, true, nil
}

func (m *Manager) PutVouch(vouch *reputation.Vouch) error {
	if vouch == nil {
		return fmt.Errorf("state: nil vouch")
	}
	return m.kvPut(vouchKey(vouch.Voucher, vouch.Borrower), vouch)
}

func (m *Manager) AppendVouchGiven(voucher, borrower crypto.Address) error {
	return m.appendAddress(reputationGivenPrefix+voucher.Hex(), borrower)
}

func (m *Manager) AppendVouchReceived(borrower, voucher crypto.Address) error {
	return m.appendAddress(reputationRecvPrefix+borrower.Hex(), voucher)
}

func (m *Manager) VouchesGiven(voucher crypto.Address) ([]crypto.Address, error) {
	return m.addressList(reputationGivenPrefix + voucher.Hex())
}

func (m *Manager) VouchesReceived(borrower crypto.Address) ([]crypto.Address, error) {
	return m.addressList(reputationRecvPrefix + borrower.Hex())
}

// --- lending state ---

func (m *Manager) LoanOffer(id crypto.Hash) (*lending.LoanOffer, bool, error) {
	var offer lending.LoanOffer
	ok, err := m.kvGet(lendingOfferPrefix+id.Hex(), &offer)
	if err != nil || !ok {
		return nil, false, err
	}
	return &offer, true, nil
}

func (m *Manager) PutLoanOffer(offer *lending.LoanOffer) error {
	if offer == nil {
		return fmt.Errorf("state: nil loan offer")
	}
	return m.kvPut(lendingOfferPrefix+offer.ID.Hex(), offer)
}

func (m *Manager) LoanRequest(id crypto.Hash) (*lending.LoanRequest, bool, error) {
	var request lending.LoanRequest
	ok, err := m.kvGet(lendingRequestPrefix+id.Hex(), &request)
	if err != nil || !ok {
		return nil, false, err
	}
	return &request, true, nil
}

func (m *Manager) PutLoanRequest(request *lending.LoanRequest) error {
	if request == nil {
		return fmt.Errorf("state: nil loan request")
	}
	return m.kvPut(lendingRequestPrefix+request.ID.Hex(), request)
}

func (m *Manager) LoanAgreement(id crypto.Hash) (*lending.LoanAgreement, bool, error) {
	var agreement lending.LoanAgreement
	ok, err := m.kvGet(lendingAgreementPrefix+id.Hex(), &agreement)
	if err != nil || !ok {
		return nil, false, err
	}
	return &agreement, true, nil
}

func (m *Manager) PutLoanAgreement(agreement *lending.LoanAgreement) error {
	if agreement == nil {
		return fmt.Errorf("state: nil loan agreement")
	}
	return m.kvPut(lendingAgreementPrefix+agreement.ID.Hex(), agreement)
}

func (m *Manager) AppendOfferByLender(lender crypto.Address, id crypto.Hash) error {
	return m.appendHash(lendingOffersByPrefix+lender.Hex(), id)
}

func (m *Manager) AppendRequestByBorrower(borrower crypto.Address, id crypto.Hash) error {
	return m.appendHash(lendingReqsByPrefix+borrower.Hex(), id)
}

func (m *Manager) AppendAgreementByLender(lender crypto.Address, id crypto.Hash) error {
	return m.appendHash(lendingAgrLenderPref+lender.Hex(), id)
}

func (m *Manager) AppendAgreementByBorrower(borrower crypto.Address, id crypto.Hash) error {
	return m.appendHash(lendingAgrBorrowerPref+borrower.Hex(), id)
}

func (m *Manager) OffersByLender(lender crypto.Address) ([]crypto.Hash, error) {
	return m.hashList(lendingOffersByPrefix + lender.Hex())
}

func (m *Manager) RequestsByBorrower(borrower crypto.Address) ([]crypto.Hash, error) {
	return m.hashList(lendingReqsByPrefix + borrower.Hex())
}

func (m *Manager) AgreementsByLender(lender crypto.Address) ([]crypto.Hash, error) {
	return m.hashList(lendingAgrLenderPref + lender.Hex())
}

func (m *Manager) AgreementsByBorrower(borrower crypto.Address) ([]crypto.Hash, error) {
	return m.hashList(lendingAgrBorrowerPref + borrower.Hex())
}

// NextLendingSequence returns the actor's monotonic id counter and advances it.
func (m *Manager) NextLendingSequence(actor crypto.Address) (uint64, error) {
	key := lendingSeqPrefix + actor.Hex()
	var seq uint64
	if _, err := m.kvGet(key, &seq); err != nil {
		return 0, err
	}
	if err := m.kvPut(key, seq+1); err != nil {
		return 0, err
	}
	return seq, nil
}

// --- token state ---

func balanceKey(token, owner crypto.Address) string {
	return tokenBalancePrefix + token.Hex() + "/" + owner.Hex()
}

func allowanceKey(token, owner, spender crypto.Address) string {
	return tokenAllowancePrefix + token.Hex() + "/" + owner.Hex() + "/" + spender.Hex()
}

func (m *Manager) TokenBalance(token, owner crypto.Address) (*big.Int, error) {
	var amount big.Int
	ok, err := m.kvGet(balanceKey(token, owner), &amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return &amount, nil
}

func (m *Manager) SetTokenBalance(token, owner crypto.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return m.kvPut(balanceKey(token, owner), amount)
}

func (m *Manager) TokenAllowance(token, owner, spender crypto.Address) (*big.Int, error) {
	var amount big.Int
	ok, err := m.kvGet(allowanceKey(token, owner, spender), &amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return &amount, nil
}

func (m *Manager) SetTokenAllowance(token, owner, spender crypto.Address, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	return m.kvPut(allowanceKey(token, owner, spender), amount)
}
