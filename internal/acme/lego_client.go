package acme

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/sirupsen/logrus"

	"go_acmebot/internal/model"
)

const userAgent = "go-acmebot/1.0"

// SessionConfig holds everything needed to open a session
type SessionConfig struct {
	DirectoryURL string
	Email        string
	EABKid       string
	EABHmacKey   string
	Accounts     *AccountStore
	HTTPClient   *http.Client
	Logger       *logrus.Entry
}

// LegoSession implements Session over lego's low level ACME client
type LegoSession struct {
	core    *api.Core
	account *model.AcmeAccount
	logger  *logrus.Entry
}

// NewLegoSession opens a session for the configured account. The account is
// registered once and persisted; later calls only load it.
func NewLegoSession(ctx context.Context, cfg SessionConfig) (*LegoSession, error) {
	if cfg.DirectoryURL == "" {
		return nil, errors.New("acme directory URL is required")
	}
	if cfg.Accounts == nil {
		return nil, errors.New("acme account store is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger := cfg.Logger.WithField("component", "acme-session")

	// Step 1: Load or create the account key
	acct, err := cfg.Accounts.GetOrCreatePending(ctx, cfg.DirectoryURL, cfg.Email, cfg.EABKid)
	if err != nil {
		return nil, err
	}
	key, err := PrivateKey(acct)
	if err != nil {
		return nil, err
	}

	// Step 2: Already registered, reuse the kid
	if acct.Status == model.AcmeAccountStatusActive && acct.AccountURL != "" {
		core, err := api.New(cfg.HTTPClient, userAgent, cfg.DirectoryURL, acct.AccountURL, key)
		if err != nil {
			return nil, fmt.Errorf("failed to create acme client: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"account":    acct.AccountURL,
			"thumbprint": acct.KeyThumbprint,
		}).Info("ACME account loaded")
		return &LegoSession{core: core, account: acct, logger: logger}, nil
	}

	// Step 3: Register the account
	core, err := api.New(cfg.HTTPClient, userAgent, cfg.DirectoryURL, "", key)
	if err != nil {
		return nil, fmt.Errorf("failed to create acme client: %w", err)
	}

	msg := legoacme.Account{TermsOfServiceAgreed: true}
	if cfg.Email != "" {
		msg.Contact = []string{"mailto:" + cfg.Email}
	}

	var registered legoacme.ExtendedAccount
	if cfg.EABKid != "" {
		registered, err = core.Accounts.NewEAB(msg, cfg.EABKid, cfg.EABHmacKey)
	} else {
		registered, err = core.Accounts.New(msg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register ACME account: %w", err)
	}
	if registered.Location == "" {
		return nil, errors.New("ACME server returned no account URL")
	}

	if err := cfg.Accounts.Activate(ctx, acct, registered.Location); err != nil {
		return nil, err
	}

	core, err = api.New(cfg.HTTPClient, userAgent, cfg.DirectoryURL, registered.Location, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create acme client: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"account":    registered.Location,
		"thumbprint": acct.KeyThumbprint,
	}).Info("ACME account registered")
	return &LegoSession{core: core, account: acct, logger: logger}, nil
}

// Account returns the persisted account
func (s *LegoSession) Account() *model.AcmeAccount {
	return s.account
}

func (s *LegoSession) CreateOrder(ctx context.Context, names []string, replacesCertID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	var opts *api.OrderOptions
	if replacesCertID != "" {
		opts = &api.OrderOptions{ReplacesCertID: replacesCertID}
	}

	order, err := s.core.Orders.NewWithOptions(names, opts)
	if err != nil {
		return Order{}, fmt.Errorf("failed to create order: %w", err)
	}
	return toOrder(order, ""), nil
}

func (s *LegoSession) GetOrder(ctx context.Context, url string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	order, err := s.core.Orders.Get(url)
	if err != nil {
		return Order{}, fmt.Errorf("failed to get order: %w", err)
	}
	return toOrder(order, url), nil
}

func (s *LegoSession) GetAuthorization(ctx context.Context, url string) (Authorization, error) {
	if err := ctx.Err(); err != nil {
		return Authorization{}, err
	}

	authz, err := s.core.Authorizations.Get(url)
	if err != nil {
		return Authorization{}, fmt.Errorf("failed to get authorization: %w", err)
	}

	out := Authorization{
		URL:        url,
		Identifier: authz.Identifier.Value,
		Status:     authz.Status,
		Wildcard:   authz.Wildcard,
	}
	for _, c := range authz.Challenges {
		out.Challenges = append(out.Challenges, Challenge{
			Type:   c.Type,
			URL:    c.URL,
			Token:  c.Token,
			Status: c.Status,
		})
	}
	return out, nil
}

func (s *LegoSession) AnswerChallenge(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.core.Challenges.New(url); err != nil {
		return fmt.Errorf("failed to answer challenge: %w", err)
	}
	return nil
}

func (s *LegoSession) Finalize(ctx context.Context, url string, csr []byte) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	order, err := s.core.Orders.UpdateForCSR(url, csr)
	if err != nil {
		return Order{}, fmt.Errorf("failed to finalize order: %w", err)
	}
	return toOrder(order, ""), nil
}

func (s *LegoSession) DownloadCertificate(ctx context.Context, order Order, preferredChain string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if order.CertificateURL == "" {
		return nil, errors.New("order has no certificate URL")
	}

	chains, err := s.core.Certificates.GetAll(order.CertificateURL, true)
	if err != nil {
		return nil, fmt.Errorf("failed to download certificate: %w", err)
	}

	def, ok := chains[order.CertificateURL]
	if !ok || def == nil {
		return nil, errors.New("certificate download returned no default chain")
	}

	alternates := alternateChains(chains, order.CertificateURL)
	chain := SelectChain(def.Cert, alternates, preferredChain)
	if preferredChain != "" {
		s.logger.WithFields(logrus.Fields{
			"preferred":  preferredChain,
			"alternates": len(alternates),
			"default":    string(chain) == string(def.Cert),
		}).Debug("Certificate chain selected")
	}
	return chain, nil
}

// alternateChains returns every chain except the default one, ordered by URL
func alternateChains(chains map[string]*legoacme.RawCertificate, defaultURL string) [][]byte {
	urls := make([]string, 0, len(chains))
	for url, c := range chains {
		if url != defaultURL && c != nil {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)

	out := make([][]byte, 0, len(urls))
	for _, url := range urls {
		out = append(out, chains[url].Cert)
	}
	return out
}

func (s *LegoSession) KeyAuthorization(token string) (string, error) {
	return s.core.GetKeyAuthorization(token)
}

// FetchRenewalInfo GETs the renewal info of a certificate from the
// directory's renewalInfo endpoint
func (s *LegoSession) FetchRenewalInfo(certificateID string) (*http.Response, error) {
	return s.core.Certificates.GetRenewalInfo(certificateID)
}

func (s *LegoSession) RenewalInfoURL() string {
	return s.core.GetDirectory().RenewalInfo
}

// toOrder converts a lego order. Only newOrder returns a Location, so
// url fills in for re-fetched orders.
func toOrder(o legoacme.ExtendedOrder, url string) Order {
	if o.Location != "" {
		url = o.Location
	}
	return Order{
		URL:               url,
		Status:            o.Status,
		FinalizeURL:       o.Finalize,
		CertificateURL:    o.Certificate,
		AuthorizationURLs: o.Authorizations,
		Identifiers:       identifierValues(o.Identifiers),
		Error:             problem(o.Error),
	}
}

func identifierValues(ids []legoacme.Identifier) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Value)
	}
	return out
}
