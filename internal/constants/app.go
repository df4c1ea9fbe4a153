package constants

const (
	AppCartService  = "cart-service"
	AppExpiryWorker = "expiry-worker"
	AppMain         = "storefront"

	AudienceCustomer = "audience-customer"
)
