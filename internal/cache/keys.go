package cache

const (
	// KeyCartByUser caches the rendered cart response per owner.
	KeyCartByUser = "carts:user:%s"
)
