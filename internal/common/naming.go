package common

// The on-media conventions. These are the contract between the CLI, the
// provisioner and the boot-time discovery script; changing any of them
// orphans every stick initialized with the old values.
const (
	// BootLabel is the FAT label of the boot partition (11 char FAT limit).
	BootLabel = "STICKBOOT"

	// DataLabel is the ext4 label of the data partition holding the store.
	DataLabel = "STICKDATA"

	// StoreRoot is the directory on the data partition under which all
	// vendor/release image directories live.
	StoreRoot = "boot_images"

	// RunDir holds the per-invocation scratch mountpoints.
	RunDir = "/run/osbuild-stick"
)
