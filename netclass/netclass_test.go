package netclass

import (
	"testing"

	"github.com/vishvananda/netlink"
)

func TestContainerHandle(t *testing.T) {
	if h := ContainerHandle(2); h != netlink.MakeHandle(rootMajor, 2) {
		t.Errorf("ContainerHandle(2) = %#x", h)
	}
	if h := ContainerHandle(4095); h != netlink.MakeHandle(rootMajor, 4095) {
		t.Errorf("ContainerHandle(4095) = %#x", h)
	}
	// minor is 16 bits, ids never exceed it
	if ContainerHandle(1)&0xffff != 1 {
		t.Error("minor does not carry the id")
	}
}
