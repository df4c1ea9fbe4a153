package log

const (
	KeyAppName       = "app"
	KeyTag           = "tag"
	KeyProcess       = "process"
	KeyRequestID     = "requestId"
	KeyConfig        = "config"
	KeyUserID        = "userId"
	KeyCartID        = "cartId"
	KeyProductID     = "productId"
	KeyProductSize   = "productSize"
	KeyQuantity      = "quantity"
	KeyCouponCode    = "couponCode"
	KeyJobID         = "jobId"
	KeyAttempt       = "attempt"
	KeySessionID     = "checkoutSessionId"
	KeyCacheKey      = "cacheKey"
	KeyCartItems     = "cartItems"
	KeyTotalPrice    = "totalPrice"
	KeyRequestBody   = "requestBody"
	KeyRequestHeader = "requestHeader"
	KeyRequestHost   = "host"
	KeyRequestIp     = "requesterIP"
	KeyRequestMethod = "requestMethod"
	KeyRequestURI    = "requestURI"
	KeyRequestURL    = "requestURL"
	KeyTraceID       = "traceId"
	KeySpanID        = "spanId"
	KeyAuthToken     = "authToken"
)
