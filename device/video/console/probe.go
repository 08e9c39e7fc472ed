package console

import "crackos/kernel/hal/multiboot"

var getFramebufferInfoFn = multiboot.GetFramebufferInfo
