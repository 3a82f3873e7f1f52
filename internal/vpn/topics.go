package vpn

const (
	TopicStatus = "tunnel.status"
	TopicDevice = "tunnel.device"
)
