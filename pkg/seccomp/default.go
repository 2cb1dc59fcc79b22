package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// interpreterSyscalls is the allowlist a CPython interpreter needs to start,
// import the standard library, and run pure computation.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"ftruncate",
			"statfs", "fstatfs",
			"statx",
			"memfd_create",
		)
}

// escapeSyscalls traps or blocks the syscalls a candidate unit could use to
// observe or break out of its instance. Trapped calls kill the process with
// SIGSYS, which surfaces as a nonzero exit rather than silent EPERM.
func escapeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// DefaultProfile returns the deny-by-default profile for candidate units:
// interpreter allowlist, no network, escape vectors trapped.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = escapeSyscalls(b)
	return b.Build()
}

// NetworkAllowProfile adds socket syscalls for the LOW and MEDIUM isolation
// tiers.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)

	b.AllowSyscalls(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)

	b = escapeSyscalls(b)
	return b.Build()
}

// dockerProfile is the JSON shape Docker's --security-opt seccomp= expects.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// DockerProfileJSON renders DefaultProfile in Docker's seccomp file format.
func DockerProfileJSON() ([]byte, error) {
	p := DefaultProfile()

	dp := dockerProfile{
		DefaultAction: string(p.DefaultAction),
	}
	for _, arch := range p.Architectures {
		dp.Architectures = append(dp.Architectures, string(arch))
	}
	for _, sc := range p.Syscalls {
		dp.Syscalls = append(dp.Syscalls, dockerSyscall{
			Names:  sc.Names,
			Action: string(sc.Action),
		})
	}

	return json.MarshalIndent(dp, "", "  ")
}
