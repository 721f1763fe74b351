package gateway

import (
	"math/big"
	"net/http"
	"time"

	"vouchlend/crypto"
	"vouchlend/native/lending"
	"vouchlend/native/reputation"
)

type registerRequest struct {
	Caller string `json:"caller"`
	Name   string `json:"name"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req registerRequest
	var err error
	defer func() { s.observe("registry", "register", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "registry", "register", err)
		return
	}
	var caller crypto.Address
	if caller, err = crypto.ParseAddress(req.Caller); err != nil {
		s.writeError(w, "registry", "register", err)
		return
	}
	if err = s.registry.Register(caller, req.Name); err != nil {
		s.writeError(w, "registry", "register", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"user": caller.Hex()})
}

func (s *Server) handleUpdateName(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req registerRequest
	var err error
	defer func() { s.observe("registry", "updateName", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "registry", "updateName", err)
		return
	}
	var caller crypto.Address
	if caller, err = crypto.ParseAddress(req.Caller); err != nil {
		s.writeError(w, "registry", "updateName", err)
		return
	}
	if err = s.registry.UpdateName(caller, req.Name); err != nil {
		s.writeError(w, "registry", "updateName", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"user": caller.Hex(), "name": req.Name})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, "registry", "profile", err)
		return
	}
	profile, err := s.registry.Profile(addr)
	if err != nil {
		s.writeError(w, "registry", "profile", err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleTotalRegistered(w http.ResponseWriter, r *http.Request) {
	total, err := s.registry.TotalRegistered()
	if err != nil {
		s.writeError(w, "registry", "total", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]uint64{"total": total})
}

type vouchRequest struct {
	Caller   string `json:"caller"`
	Borrower string `json:"borrower"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
}

func (s *Server) handleAddVouch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req vouchRequest
	var err error
	defer func() { s.observe("reputation", "addVouch", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "reputation", "addVouch", err)
		return
	}
	caller, perr := crypto.ParseAddress(req.Caller)
	if perr != nil {
		err = perr
		s.writeError(w, "reputation", "addVouch", err)
		return
	}
	borrower, perr := crypto.ParseAddress(req.Borrower)
	if perr != nil {
		err = perr
		s.writeError(w, "reputation", "addVouch", err)
		return
	}
	token, perr := crypto.ParseAddress(req.Token)
	if perr != nil {
		err = perr
		s.writeError(w, "reputation", "addVouch", err)
		return
	}
	amount, perr := parseAmount(req.Amount)
	if perr != nil {
		err = perr
		s.writeError(w, "reputation", "addVouch", err)
		return
	}
	if err = s.reputation.AddVouch(caller, borrower, amount, token); err != nil {
		s.writeError(w, "reputation", "addVouch", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"voucher": caller.Hex(), "borrower": borrower.Hex()})
}

func (s *Server) handleRemoveVouch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req vouchRequest
	var err error
	defer func() { s.observe("reputation", "removeVouch", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "reputation", "removeVouch", err)
		return
	}
	caller, perr := crypto.ParseAddress(req.Caller)
	if perr != nil {
		err = perr
		s.writeError(w, "reputation", "removeVouch", err)
		return
	}
	borrower, perr := crypto.ParseAddress(req.Borrower)
	if perr != nil {
		err = perr
		s.writeError(w, "reputation", "removeVouch", err)
		return
	}
	if err = s.reputation.RemoveVouch(caller, borrower); err != nil {
		s.writeError(w, "reputation", "removeVouch", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"voucher": caller.Hex(), "borrower": borrower.Hex()})
}

func (s *Server) handleReputationProfile(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, "reputation", "profile", err)
		return
	}
	profile, err := s.reputation.ProfileOf(addr)
	if err != nil {
		s.writeError(w, "reputation", "profile", err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleVouchDetails(w http.ResponseWriter, r *http.Request) {
	voucher, err := pathAddress(r, "voucher")
	if err != nil {
		s.writeError(w, "reputation", "vouchDetails", err)
		return
	}
	borrower, err := pathAddress(r, "borrower")
	if err != nil {
		s.writeError(w, "reputation", "vouchDetails", err)
		return
	}
	vouch, err := s.reputation.VouchDetails(voucher, borrower)
	if err != nil {
		s.writeError(w, "reputation", "vouchDetails", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vouch)
}

func (s *Server) handleActiveVouches(w http.ResponseWriter, r *http.Request) {
	borrower, err := pathAddress(r, "borrower")
	if err != nil {
		s.writeError(w, "reputation", "activeVouches", err)
		return
	}
	vouches, err := s.reputation.ActiveVouchesForBorrower(borrower)
	if err != nil {
		s.writeError(w, "reputation", "activeVouches", err)
		return
	}
	s.writeJSON(w, http.StatusOK, vouches)
}

type offerRequest struct {
	Caller           string `json:"caller"`
	Amount           string `json:"amount"`
	Token            string `json:"token"`
	InterestRateBps  uint16 `json:"interestRateBps"`
	DurationSeconds  uint64 `json:"durationSeconds"`
	CollateralAmount string `json:"collateralAmount"`
	CollateralToken  string `json:"collateralToken"`
}

func (r *offerRequest) decode() (caller, token, collateralToken crypto.Address, amount, collateral *big.Int, err error) {
	caller, err = crypto.ParseAddress(r.Caller)
	if err != nil {
		return
	}
	token, err = crypto.ParseAddress(r.Token)
	if err != nil {
		return
	}
	if r.CollateralToken != "" {
		collateralToken, err = crypto.ParseAddress(r.CollateralToken)
		if err != nil {
			return
		}
	}
	amount, err = parseAmount(r.Amount)
	if err != nil {
		return
	}
	collateral, err = parseAmount(r.CollateralAmount)
	return
}

func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req offerRequest
	var err error
	defer func() { s.observe("lending", "createOffer", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "lending", "createOffer", err)
		return
	}
	caller, token, collateralToken, amount, collateral, derr := req.decode()
	if derr != nil {
		err = derr
		s.writeError(w, "lending", "createOffer", err)
		return
	}
	id, oerr := s.lending.CreateOffer(caller, amount, token, req.InterestRateBps, req.DurationSeconds, collateral, collateralToken)
	if oerr != nil {
		err = oerr
		s.writeError(w, "lending", "createOffer", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"offerId": id.Hex()})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req offerRequest
	var err error
	defer func() { s.observe("lending", "createRequest", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "lending", "createRequest", err)
		return
	}
	caller, token, collateralToken, amount, collateral, derr := req.decode()
	if derr != nil {
		err = derr
		s.writeError(w, "lending", "createRequest", err)
		return
	}
	id, oerr := s.lending.CreateRequest(caller, amount, token, req.InterestRateBps, req.DurationSeconds, collateral, collateralToken)
	if oerr != nil {
		err = oerr
		s.writeError(w, "lending", "createRequest", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"requestId": id.Hex()})
}

type acceptRequest struct {
	Caller           string `json:"caller"`
	CollateralAmount string `json:"collateralAmount"`
	CollateralToken  string `json:"collateralToken"`
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req acceptRequest
	var err error
	defer func() { s.observe("lending", "acceptOffer", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "lending", "acceptOffer", err)
		return
	}
	offerID, perr := pathHash(r, "id")
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "acceptOffer", err)
		return
	}
	caller, perr := crypto.ParseAddress(req.Caller)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "acceptOffer", err)
		return
	}
	var collateralToken crypto.Address
	if req.CollateralToken != "" {
		if collateralToken, perr = crypto.ParseAddress(req.CollateralToken); perr != nil {
			err = perr
			s.writeError(w, "lending", "acceptOffer", err)
			return
		}
	}
	collateral, perr := parseAmount(req.CollateralAmount)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "acceptOffer", err)
		return
	}
	id, oerr := s.lending.AcceptOffer(caller, offerID, collateral, collateralToken)
	if oerr != nil {
		err = oerr
		s.writeError(w, "lending", "acceptOffer", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"agreementId": id.Hex()})
}

type callerRequest struct {
	Caller string `json:"caller"`
}

func (s *Server) callerAction(w http.ResponseWriter, r *http.Request, method string, fn func(caller crypto.Address, id crypto.Hash) (interface{}, error)) {
	start := time.Now()
	var req callerRequest
	var err error
	defer func() { s.observe("lending", method, start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "lending", method, err)
		return
	}
	id, perr := pathHash(r, "id")
	if perr != nil {
		err = perr
		s.writeError(w, "lending", method, err)
		return
	}
	caller, perr := crypto.ParseAddress(req.Caller)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", method, err)
		return
	}
	payload, aerr := fn(caller, id)
	if aerr != nil {
		err = aerr
		s.writeError(w, "lending", method, err)
		return
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleFundRequest(w http.ResponseWriter, r *http.Request) {
	s.callerAction(w, r, "fundRequest", func(caller crypto.Address, id crypto.Hash) (interface{}, error) {
		agreementID, err := s.lending.FundRequest(caller, id)
		if err != nil {
			return nil, err
		}
		return map[string]string{"agreementId": agreementID.Hex()}, nil
	})
}

func (s *Server) handleCancelOffer(w http.ResponseWriter, r *http.Request) {
	s.callerAction(w, r, "cancelOffer", func(caller crypto.Address, id crypto.Hash) (interface{}, error) {
		if err := s.lending.CancelOffer(caller, id); err != nil {
			return nil, err
		}
		return map[string]string{"offerId": id.Hex()}, nil
	})
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	s.callerAction(w, r, "cancelRequest", func(caller crypto.Address, id crypto.Hash) (interface{}, error) {
		if err := s.lending.CancelRequest(caller, id); err != nil {
			return nil, err
		}
		return map[string]string{"requestId": id.Hex()}, nil
	})
}

type repayRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleRepay(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req repayRequest
	var err error
	defer func() { s.observe("lending", "repay", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "lending", "repay", err)
		return
	}
	id, perr := pathHash(r, "id")
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "repay", err)
		return
	}
	caller, perr := crypto.ParseAddress(req.Caller)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "repay", err)
		return
	}
	amount, perr := parseAmount(req.Amount)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "repay", err)
		return
	}
	if err = s.lending.Repay(caller, id, amount); err != nil {
		s.writeError(w, "lending", "repay", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agreementId": id.Hex()})
}

type modificationRequest struct {
	Caller string `json:"caller"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

func parseModificationType(s string) (reputation.ModificationType, bool) {
	switch s {
	case "dueDateExtension":
		return reputation.ModificationDueDateExtension, true
	case "partialPaymentAgreement":
		return reputation.ModificationPartialPaymentAgreement, true
	default:
		return reputation.ModificationNone, false
	}
}

func (s *Server) handleRequestModification(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req modificationRequest
	var err error
	defer func() { s.observe("lending", "requestModification", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "lending", "requestModification", err)
		return
	}
	id, perr := pathHash(r, "id")
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "requestModification", err)
		return
	}
	caller, perr := crypto.ParseAddress(req.Caller)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "requestModification", err)
		return
	}
	modType, ok := parseModificationType(req.Type)
	if !ok {
		err = lending.ErrInvalidModification
		s.writeError(w, "lending", "requestModification", err)
		return
	}
	value, perr := parseAmount(req.Value)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "requestModification", err)
		return
	}
	if err = s.lending.RequestModification(caller, id, modType, value); err != nil {
		s.writeError(w, "lending", "requestModification", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agreementId": id.Hex()})
}

type respondRequest struct {
	Caller   string `json:"caller"`
	Approved bool   `json:"approved"`
}

func (s *Server) handleRespondModification(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req respondRequest
	var err error
	defer func() { s.observe("lending", "respondToModification", start, err) }()
	if err = decodeBody(r, &req); err != nil {
		s.writeError(w, "lending", "respondToModification", err)
		return
	}
	id, perr := pathHash(r, "id")
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "respondToModification", err)
		return
	}
	caller, perr := crypto.ParseAddress(req.Caller)
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "respondToModification", err)
		return
	}
	if err = s.lending.RespondToModification(caller, id, req.Approved); err != nil {
		s.writeError(w, "lending", "respondToModification", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agreementId": id.Hex()})
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var err error
	defer func() { s.observe("lending", "handleDefault", start, err) }()
	id, perr := pathHash(r, "id")
	if perr != nil {
		err = perr
		s.writeError(w, "lending", "handleDefault", err)
		return
	}
	if err = s.lending.HandleDefault(id); err != nil {
		s.writeError(w, "lending", "handleDefault", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"agreementId": id.Hex()})
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, "lending", "getOffer", err)
		return
	}
	offer, err := s.lending.OfferOf(id)
	if err != nil {
		s.writeError(w, "lending", "getOffer", err)
		return
	}
	s.writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, "lending", "getRequest", err)
		return
	}
	request, err := s.lending.RequestOf(id)
	if err != nil {
		s.writeError(w, "lending", "getRequest", err)
		return
	}
	s.writeJSON(w, http.StatusOK, request)
}

func (s *Server) handleGetAgreement(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		s.writeError(w, "lending", "getAgreement", err)
		return
	}
	agreement, err := s.lending.AgreementOf(id)
	if err != nil {
		s.writeError(w, "lending", "getAgreement", err)
		return
	}
	s.writeJSON(w, http.StatusOK, agreement)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		s.writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.recorder.Events())
}
