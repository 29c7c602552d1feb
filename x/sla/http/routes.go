package http

// Route patterns for the SLA HTTP surface.
const (
	routeRegistry      = "/v1/registry"
	routeSLAs          = "/v1/slas"
	routeSLA           = "/v1/slas/{id:[0-9]+}"
	routeBids          = "/v1/slas/{id:[0-9]+}/bids"
	routeBid           = "/v1/slas/{id:[0-9]+}/bids/{worker}"
	routeWorker        = "/v1/slas/{id:[0-9]+}/worker"
	routeVerifiers     = "/v1/slas/{id:[0-9]+}/verifiers"
	routeVerifications = "/v1/slas/{id:[0-9]+}/verifications"
	routeSLAEvents     = "/v1/slas/{id:[0-9]+}/events"
	routeEvents        = "/v1/events"
	routeAccount       = "/v1/ledger/{address}"
	routeApprove       = "/v1/ledger/approve"
	routeFaucet        = "/v1/ledger/faucet"
)

// Route names for mux URL building.
const (
	routeNameRegistry     = "sla_registry"
	routeNameCreate       = "sla_create"
	routeNameList         = "sla_list"
	routeNameGet          = "sla_get"
	routeNameSubmitBid    = "sla_submit_bid"
	routeNameGetBid       = "sla_get_bid"
	routeNameSelectWorker = "sla_select_worker"
	routeNameStake        = "sla_stake_as_verifier"
	routeNameVerify       = "sla_submit_verification"
	routeNameSLAEvents    = "sla_events"
	routeNameEvents       = "events_feed"
	routeNameAccount      = "ledger_account"
	routeNameApprove      = "ledger_approve"
	routeNameFaucet       = "ledger_faucet"
)
